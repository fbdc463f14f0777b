package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned for frames that cannot be relayed. The
// frame is dropped; the connection stays open.
var ErrMalformedFrame = errors.New("malformed frame")

// Media stream event names
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventStop      = "stop"
	StreamEventClear     = "clear"
	StreamEventError     = "error"
)

// StreamFrame is one JSON frame received on the provider media websocket.
type StreamFrame struct {
	Event    string       `json:"event"`
	StreamID string       `json:"stream_id,omitempty"`
	Start    *StreamStart `json:"start,omitempty"`
	Media    *StreamMedia `json:"media,omitempty"`
}

// StreamStart describes the stream once the provider starts sending audio.
type StreamStart struct {
	CallControlID string            `json:"call_control_id"`
	MediaFormat   StreamMediaFormat `json:"media_format"`
}

type StreamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64 audio chunk.
type StreamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// ParseStreamFrame decodes a media websocket frame. Frames without an event
// name, start frames without a stream id and media frames without a payload
// are malformed.
func ParseStreamFrame(data []byte) (StreamFrame, error) {
	var frame StreamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return StreamFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Event {
	case "":
		return StreamFrame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	case StreamEventStart:
		if frame.StreamID == "" {
			return StreamFrame{}, fmt.Errorf("%w: start without stream_id", ErrMalformedFrame)
		}
	case StreamEventMedia:
		if frame.Media == nil || frame.Media.Payload == "" {
			return StreamFrame{}, fmt.Errorf("%w: media without payload", ErrMalformedFrame)
		}
	}
	return frame, nil
}

// inbound reports whether a media frame carries caller audio. With
// both_tracks the provider also echoes our own outbound audio.
func (m *StreamMedia) inbound() bool {
	return m.Track == "" || m.Track == "inbound"
}

type outboundMediaFrame struct {
	Event    string               `json:"event"`
	StreamID string               `json:"stream_id"`
	Media    outboundMediaPayload `json:"media"`
}

type outboundMediaPayload struct {
	Payload string `json:"payload"`
}

// mediaFrame builds the frame that plays payload to the caller.
func mediaFrame(streamID, payload string) ([]byte, error) {
	return json.Marshal(outboundMediaFrame{
		Event:    StreamEventMedia,
		StreamID: streamID,
		Media:    outboundMediaPayload{Payload: payload},
	})
}

type controlFrame struct {
	Event string `json:"event"`
}

// clearFrame stops playback of audio the provider has already buffered.
func clearFrame() []byte {
	data, _ := json.Marshal(controlFrame{Event: StreamEventClear})
	return data
}
