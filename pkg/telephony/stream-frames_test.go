package telephony

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStreamFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		check   func(t *testing.T, f StreamFrame)
	}{
		{
			name: "start",
			in:   `{"event":"start","sequence_number":"1","stream_id":"s1","start":{"call_control_id":"call_123","media_format":{"encoding":"PCMU","sample_rate":8000,"channels":1}}}`,
			check: func(t *testing.T, f StreamFrame) {
				if f.StreamID != "s1" || f.Start == nil || f.Start.CallControlID != "call_123" {
					t.Fatalf("unexpected start frame: %+v", f)
				}
				if f.Start.MediaFormat.SampleRate != 8000 {
					t.Fatalf("sample rate = %d", f.Start.MediaFormat.SampleRate)
				}
			},
		},
		{
			name: "media",
			in:   `{"event":"media","stream_id":"s1","media":{"track":"inbound","chunk":"2","timestamp":"5","payload":"AAA="}}`,
			check: func(t *testing.T, f StreamFrame) {
				if f.Media.Payload != "AAA=" || !f.Media.inbound() {
					t.Fatalf("unexpected media frame: %+v", f.Media)
				}
			},
		},
		{name: "stop", in: `{"event":"stop","stream_id":"s1","stop":{"reason":"hangup"}}`},
		{name: "unknown event is not malformed", in: `{"event":"dtmf","dtmf":{"digit":"1"}}`},
		{name: "invalid json", in: `{"event":`, wantErr: true},
		{name: "missing event", in: `{"stream_id":"s1"}`, wantErr: true},
		{name: "start without stream id", in: `{"event":"start"}`, wantErr: true},
		{name: "media without payload", in: `{"event":"media","media":{"track":"inbound"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseStreamFrame([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("error = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStreamFrame() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestMediaFrame(t *testing.T) {
	data, err := mediaFrame("s1", "BBB=")
	if err != nil {
		t.Fatalf("mediaFrame() error = %v", err)
	}
	const want = `{"event":"media","stream_id":"s1","media":{"payload":"BBB="}}`
	if string(data) != want {
		t.Fatalf("mediaFrame() = %s, want %s", data, want)
	}

	var frame map[string]string
	if err := json.Unmarshal(clearFrame(), &frame); err != nil || frame["event"] != "clear" {
		t.Fatalf("clearFrame() = %s", clearFrame())
	}
}

func TestAudioFormat(t *testing.T) {
	f := AudioFormatMulaw

	mf := f.MediaFormat()
	if mf.Codec != "PCMU" || mf.SampleRate != 8000 || mf.Channels != 1 {
		t.Fatalf("MediaFormat() = %+v", mf)
	}
	if f.RealtimeFormat() != "g711_ulaw" {
		t.Fatalf("RealtimeFormat() = %q", f.RealtimeFormat())
	}

	tests := []struct {
		encoding    string
		rate, chans int
		want        bool
	}{
		{"PCMU", 8000, 1, true},
		{"audio/x-mulaw", 8000, 1, true},
		{"PCMU", 0, 0, true},
		{"PCMA", 8000, 1, false},
		{"L16", 16000, 1, false},
		{"PCMU", 16000, 1, false},
		{"PCMU", 8000, 2, false},
	}
	for _, tt := range tests {
		if got := f.Matches(tt.encoding, tt.rate, tt.chans); got != tt.want {
			t.Errorf("Matches(%q, %d, %d) = %v, want %v", tt.encoding, tt.rate, tt.chans, got, tt.want)
		}
	}
}
