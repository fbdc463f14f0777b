package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/voice-bridge/internal/logging"
)

type handlerFixture struct {
	client     *fakeTelephony
	controller *CallController
	store      CallStore
	bridge     *testBridge
	mux        *http.ServeMux
}

func newHandlerFixture(t *testing.T, client *fakeTelephony) *handlerFixture {
	t.Helper()
	controller, store := newTestController(t, client, nil, ControllerConfig{Backoff: time.Millisecond})
	bridge := newTestBridge(t, BridgeConfig{})
	mux := http.NewServeMux()
	NewCallHandlers(controller, bridge.MediaBridge, logging.Discard()).RegisterRoutes(mux)
	return &handlerFixture{client: client, controller: controller, store: store, bridge: bridge, mux: mux}
}

func (f *handlerFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHandlePlaceCall(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{nextID: "call_abc"})

	rec, body := f.do(t, http.MethodPost, "/api/calls", `{"to":"+15551234567"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true || body["call_control_id"] != "call_abc" {
		t.Fatalf("body = %v", body)
	}
	resp, ok := body["response"].(map[string]any)
	if !ok || resp["data"] == nil {
		t.Fatalf("provider response not passed through: %v", body["response"])
	}

	call, err := f.store.Get(context.Background(), "call_abc")
	if err != nil || call.State != StatePending {
		t.Fatalf("stored call = %+v, %v", call, err)
	}
}

func TestHandlePlaceCall_BadRequests(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{})

	for _, body := range []string{`{`, `{}`, `{"to":"5551234567"}`} {
		rec, decoded := f.do(t, http.MethodPost, "/api/calls", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
		if decoded["success"] != false || decoded["error"] == "" {
			t.Errorf("body %s: response = %v", body, decoded)
		}
	}

	rec, _ := f.do(t, http.MethodGet, "/api/calls", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}
}

func TestHandlePlaceCall_UpstreamFailure(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{createErr: upstreamErr(http.StatusUnprocessableEntity)})

	rec, body := f.do(t, http.MethodPost, "/api/calls", `{"to":"+15551234567"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if body["success"] != false || body["upstream_status"] != float64(http.StatusUnprocessableEntity) || body["upstream_body"] != "nope" {
		t.Fatalf("body = %v", body)
	}
}

func TestHandleCallWebhook_AlwaysAcknowledges(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{})

	for _, body := range []string{
		`garbage`,
		`{}`,
		`{"event":"answered","call_control_id":"unknown"}`,
	} {
		rec, decoded := f.do(t, http.MethodPost, "/api/telephony/webhook", body)
		if rec.Code != http.StatusOK || decoded["received"] != true {
			t.Errorf("webhook %s: status = %d, body = %v", body, rec.Code, decoded)
		}
	}
	f.controller.Wait()
	if f.client.streamCalls.Load() != 0 {
		t.Fatal("webhook for unknown call activated streaming")
	}
}

func TestHandleCallWebhook_AnsweredActivatesStreaming(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{})
	if rec, _ := f.do(t, http.MethodPost, "/api/calls", `{"to":"+15551234567"}`); rec.Code != http.StatusOK {
		t.Fatalf("place call status = %d", rec.Code)
	}

	answered := `{"data":{"event_type":"call.answered","payload":{"call_control_id":"call_123"}}}`
	rec, _ := f.do(t, http.MethodPost, "/api/telephony/webhook", answered)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", rec.Code)
	}
	f.controller.Wait()

	if f.client.streamCalls.Load() != 1 {
		t.Fatalf("StartStreaming calls = %d", f.client.streamCalls.Load())
	}
	call, err := f.store.Get(context.Background(), "call_123")
	if err != nil || call.State != StateStreamingRequested {
		t.Fatalf("call = %+v, %v", call, err)
	}

	hangup := `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"call_123"}}}`
	f.do(t, http.MethodPost, "/api/telephony/webhook", hangup)
	f.controller.Wait()
	if n, _ := f.controller.ActiveCalls(context.Background()); n != 0 {
		t.Fatalf("ActiveCalls() = %d after hangup", n)
	}
}

func TestHandleHealthAndStatus(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{})

	rec, body := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}

	s, _, _ := f.bridge.openSession(t)

	rec, body = f.do(t, http.MethodGet, "/api/telephony/bridge/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if body["active_sessions"] != float64(1) || body["active_calls"] != float64(0) {
		t.Fatalf("status = %v", body)
	}
	if sessions, ok := body["sessions"].([]any); !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v", body["sessions"])
	}

	rec, body = f.do(t, http.MethodGet, "/api/telephony/bridge/status?session_id="+s.ID, "")
	if rec.Code != http.StatusOK || body["id"] != s.ID {
		t.Fatalf("session status = %d %v", rec.Code, body)
	}

	rec, _ = f.do(t, http.MethodGet, "/api/telephony/bridge/status?session_id=nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", rec.Code)
	}
}

func TestHandleMediaStream_BridgesOverWebSocket(t *testing.T) {
	f := newHandlerFixture(t, &fakeTelephony{})
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/telephony/media"
	tel, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer tel.Close()
	resp.Body.Close()

	voice := f.bridge.nextVoice(t)
	voice.next(t, hasType("session.update"))
	voice.send(t, map[string]string{"type": "session.updated"})

	writeFrame := func(v any) {
		t.Helper()
		if err := tel.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	writeFrame(startFrame("s1", "call_123"))
	eventually(t, "session ready", func() bool {
		sessions := f.bridge.Sessions()
		return len(sessions) == 1 && sessions[0].Ready
	})
	writeFrame(mediaFrameIn("inbound", "AAA="))

	if msg := voice.next(t, hasType("input_audio_buffer.append")); msg["audio"] != "AAA=" {
		t.Fatalf("append = %v", msg)
	}

	voice.send(t, audioDelta("BBB="))
	_ = tel.SetReadDeadline(time.Now().Add(testTimeout))
	var out struct {
		Event    string `json:"event"`
		StreamID string `json:"stream_id"`
		Media    struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := tel.ReadJSON(&out); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if out.Event != "media" || out.StreamID != "s1" || out.Media.Payload != "BBB=" {
		t.Fatalf("outbound frame = %+v", out)
	}

	voice.Close()
	_, _, err = tel.ReadMessage()
	if err == nil {
		t.Fatal("telephony connection stayed open after voice session closed")
	}
}
