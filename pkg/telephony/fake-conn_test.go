package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/voice-bridge/internal/logging"
)

const testTimeout = 2 * time.Second

var errFakeClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory WSConn. Frames pushed with send are returned by
// ReadMessage; frames written by the bridge are recorded and published on
// wrote.
type fakeConn struct {
	in     chan []byte
	wrote  chan []byte
	closed chan struct{}
	block  chan struct{} // when non-nil, writes wait for it or for Close

	mu        sync.Mutex
	writes    [][]byte
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		wrote:  make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errFakeClosed
	default:
	}
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
		}
	}
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}

	cp := append([]byte(nil), data...)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	select {
	case c.wrote <- cp:
	default:
	}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
		return nil
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// send delivers v (a string, []byte or JSON-marshalable value) to the reader.
func (c *fakeConn) send(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch m := v.(type) {
	case string:
		data = []byte(m)
	case []byte:
		data = m
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
	}
	select {
	case c.in <- data:
	case <-time.After(testTimeout):
		t.Fatal("timed out delivering frame")
	}
}

// next waits for the next written frame matching match and returns it decoded.
func (c *fakeConn) next(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case data := <-c.wrote:
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("bridge wrote invalid JSON %q: %v", data, err)
			}
			if match == nil || match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for a written frame")
			return nil
		}
	}
}

// written returns every frame written so far, decoded.
func (c *fakeConn) written(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, data := range c.writes {
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bridge wrote invalid JSON %q: %v", data, err)
		}
		out = append(out, msg)
	}
	return out
}

func waitClosed(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(testTimeout):
		t.Fatal("connection was not closed")
	}
}

func waitDone(t *testing.T, s *BridgeSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("session was not torn down")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func hasType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func hasEvent(event string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["event"] == event }
}

// testBridge wires a MediaBridge to a dialer that hands out fake voice
// connections on voices.
type testBridge struct {
	*MediaBridge
	voices chan *fakeConn
}

func newTestBridge(t *testing.T, cfg BridgeConfig) *testBridge {
	t.Helper()
	voices := make(chan *fakeConn, 8)
	dialer := VoiceDialFunc(func(ctx context.Context) (WSConn, error) {
		v := newFakeConn()
		voices <- v
		return v, nil
	})
	cfg.PingInterval = time.Hour
	b := NewMediaBridge(cfg, dialer, logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return &testBridge{MediaBridge: b, voices: voices}
}

func (b *testBridge) nextVoice(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case v := <-b.voices:
		return v
	case <-time.After(testTimeout):
		t.Fatal("voice session was not dialed")
		return nil
	}
}

// openSession accepts a telephony connection and completes the voice
// handshake. The session is ready when it returns.
func (b *testBridge) openSession(t *testing.T) (*BridgeSession, *fakeConn, *fakeConn) {
	t.Helper()
	return b.openSessionOn(t, newFakeConn())
}

func (b *testBridge) openSessionOn(t *testing.T, tel *fakeConn) (*BridgeSession, *fakeConn, *fakeConn) {
	t.Helper()
	s := b.Accept(tel)
	voice := b.nextVoice(t)
	voice.next(t, hasType("session.update"))
	voice.send(t, map[string]string{"type": "session.updated"})
	eventually(t, "session ready", s.Ready)
	return s, tel, voice
}

func startFrame(streamID, callControlID string) map[string]any {
	return map[string]any{
		"event":     "start",
		"stream_id": streamID,
		"start": map[string]any{
			"call_control_id": callControlID,
			"media_format": map[string]any{
				"encoding":    "PCMU",
				"sample_rate": 8000,
				"channels":    1,
			},
		},
	}
}

func mediaFrameIn(track, payload string) map[string]any {
	return map[string]any{
		"event":     "media",
		"stream_id": "s1",
		"media":     map[string]any{"track": track, "payload": payload},
	}
}

func audioDelta(payload string) map[string]string {
	return map[string]string{"type": "response.audio.delta", "delta": payload}
}
