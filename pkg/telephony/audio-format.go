package telephony

import (
	"fmt"
	"strings"

	"github.com/birddigital/voice-bridge/pkg/realtime"
	"github.com/birddigital/voice-bridge/pkg/telnyx"
)

// ============================================
// AUDIO FORMAT
// Both peers speak the same 8 kHz mono G.711 variant, so audio is relayed
// untouched
// ============================================

// AudioFormat describes the encoding of a media stream.
type AudioFormat struct {
	SampleRate int    `json:"sample_rate"` // 8000 for telephony
	Channels   int    `json:"channels"`    // 1 for mono
	Encoding   string `json:"encoding"`    // "mulaw" or "alaw"
}

// AudioFormatMulaw is the default format; AudioFormatAlaw serves regions
// that carry PCMA end to end.
var (
	AudioFormatMulaw = AudioFormat{SampleRate: 8000, Channels: 1, Encoding: "mulaw"}
	AudioFormatAlaw  = AudioFormat{SampleRate: 8000, Channels: 1, Encoding: "alaw"}
)

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}

// MediaFormat is the codec declaration sent with streaming_start.
func (f AudioFormat) MediaFormat() telnyx.MediaFormat {
	codec := "PCMU"
	if f.Encoding == "alaw" {
		codec = "PCMA"
	}
	return telnyx.MediaFormat{Codec: codec, SampleRate: f.SampleRate, Channels: f.Channels}
}

// RealtimeFormat is the voice session audio format name.
func (f AudioFormat) RealtimeFormat() string {
	if f.Encoding == "alaw" {
		return realtime.AudioFormatG711ALaw
	}
	return realtime.AudioFormatG711ULaw
}

// Matches reports whether a format announced by the provider is the same
// as f. Zero sample rate or channel count in the announcement is not
// compared.
func (f AudioFormat) Matches(encoding string, sampleRate, channels int) bool {
	if normalizeEncoding(encoding) != f.Encoding {
		return false
	}
	if sampleRate != 0 && sampleRate != f.SampleRate {
		return false
	}
	if channels != 0 && channels != f.Channels {
		return false
	}
	return true
}

func normalizeEncoding(encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "pcmu", "mulaw", "ulaw", "audio/x-mulaw", "g711_ulaw":
		return "mulaw"
	case "pcma", "alaw", "audio/x-alaw", "g711_alaw":
		return "alaw"
	default:
		return strings.ToLower(encoding)
	}
}
