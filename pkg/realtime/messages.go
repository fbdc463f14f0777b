// Package realtime speaks the OpenAI Realtime websocket protocol for
// speech-to-speech sessions carrying G.711 audio.
package realtime

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice = "alloy"

	// G.711 session audio formats. The bridge uses the one matching the
	// telephony stream so audio passes through untouched.
	AudioFormatG711ULaw = "g711_ulaw"
	AudioFormatG711ALaw = "g711_alaw"
)

// TurnDetection selects who decides when the caller has finished speaking.
type TurnDetection string

const (
	TurnDetectionServerVAD TurnDetection = "server_vad"
	TurnDetectionManual    TurnDetection = "manual"
)

// ParseTurnDetection accepts "server_vad" and "manual"; empty means server_vad.
func ParseTurnDetection(s string) (TurnDetection, error) {
	switch TurnDetection(s) {
	case "", TurnDetectionServerVAD:
		return TurnDetectionServerVAD, nil
	case TurnDetectionManual:
		return TurnDetectionManual, nil
	}
	return "", fmt.Errorf("unknown turn detection mode %q", s)
}

// Client message types
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeResponseCreate         = "response.create"
)

// Server event types
const (
	EventSessionCreated      = "session.created"
	EventSessionUpdated      = "session.updated"
	EventAudioDelta          = "response.audio.delta"
	EventOutputAudioDelta    = "response.output_audio.delta"
	EventResponseDone        = "response.done"
	EventSpeechStarted       = "input_audio_buffer.speech_started"
	EventSpeechStopped       = "input_audio_buffer.speech_stopped"
	EventInputAudioCommitted = "input_audio_buffer.committed"
	EventError               = "error"
)

// SessionConfig is what the bridge asks of every voice session.
type SessionConfig struct {
	Instructions  string
	Voice         string
	TurnDetection TurnDetection
	AudioFormat   string // input and output; g711_ulaw when empty
}

// TurnDetectionConfig is the wire form of turn detection settings.
type TurnDetectionConfig struct {
	Type string `json:"type"`
}

// Session is the session object carried by session.update.
type Session struct {
	Modalities        []string             `json:"modalities"`
	Instructions      string               `json:"instructions,omitempty"`
	Voice             string               `json:"voice,omitempty"`
	InputAudioFormat  string               `json:"input_audio_format"`
	OutputAudioFormat string               `json:"output_audio_format"`
	TurnDetection     *TurnDetectionConfig `json:"turn_detection"` // null disables server VAD
}

// SessionUpdate configures formats, persona and turn handling.
type SessionUpdate struct {
	Type    string  `json:"type"`
	Session Session `json:"session"`
}

// NewSessionUpdate builds the session.update for cfg, using the same audio
// format in both directions.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	format := cfg.AudioFormat
	if format == "" {
		format = AudioFormatG711ULaw
	}

	var td *TurnDetectionConfig
	if cfg.TurnDetection != TurnDetectionManual {
		td = &TurnDetectionConfig{Type: string(TurnDetectionServerVAD)}
	}

	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: Session{
			Modalities:        []string{"audio", "text"},
			Instructions:      cfg.Instructions,
			Voice:             voice,
			InputAudioFormat:  format,
			OutputAudioFormat: format,
			TurnDetection:     td,
		},
	}
}

// AppendAudio carries one base64 chunk of caller audio.
type AppendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewAppendAudio wraps an already base64-encoded payload without re-encoding it.
func NewAppendAudio(payload string) AppendAudio {
	return AppendAudio{Type: TypeInputAudioBufferAppend, Audio: payload}
}

// Commit closes the current input buffer as a user turn.
type Commit struct {
	Type string `json:"type"`
}

// NewCommit returns an input_audio_buffer.commit message.
func NewCommit() Commit {
	return Commit{Type: TypeInputAudioBufferCommit}
}

// ResponseOptions narrows one response.create.
type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// CreateResponse asks the model to speak.
type CreateResponse struct {
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

// NewCreateResponse returns a response.create. A non-empty instructions
// string overrides the session instructions for that one response.
func NewCreateResponse(instructions string) CreateResponse {
	msg := CreateResponse{Type: TypeResponseCreate}
	if instructions != "" {
		msg.Response = &ResponseOptions{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
		}
	}
	return msg
}

// ServerEvent is the union of server events the bridge reacts to. Unknown
// types decode fine and are ignored by callers.
type ServerEvent struct {
	Type    string       `json:"type"`
	EventID string       `json:"event_id,omitempty"`
	Delta   string       `json:"delta,omitempty"`
	Error   *ServerError `json:"error,omitempty"`
}

// ServerError is the body of an "error" event.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime %s: %s", e.Type, e.Message)
}

// ParseServerEvent decodes one text frame from the voice service.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("failed to parse realtime event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("failed to parse realtime event: missing type")
	}
	return ev, nil
}

// IsAudioDelta reports whether ev carries synthesized audio. Both the beta
// and GA event names are accepted.
func (ev ServerEvent) IsAudioDelta() bool {
	return ev.Type == EventAudioDelta || ev.Type == EventOutputAudioDelta
}
