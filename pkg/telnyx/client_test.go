package telnyx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		requests = append(requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		APIKey:       "KEY123",
		ConnectionID: "conn-1",
		FromNumber:   "+15550000000",
		WebhookURL:   "https://bridge.example.com/api/telephony/webhook",
		BaseURL:      baseURL,
	})
}

func TestCreateCall(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"data":{"call_control_id":"call_123","call_leg_id":"leg","is_alive":false,"record_type":"call"}}`)
	client := newTestClient(srv.URL)

	call, raw, err := client.CreateCall(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	if call.CallControlID != "call_123" {
		t.Fatalf("CallControlID = %q, want call_123", call.CallControlID)
	}
	if !strings.Contains(string(raw), `"call_leg_id":"leg"`) {
		t.Fatalf("raw response not returned verbatim: %s", raw)
	}

	if len(*requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*requests))
	}
	req := (*requests)[0]
	if req.method != http.MethodPost || req.path != "/calls" {
		t.Fatalf("request = %s %s, want POST /calls", req.method, req.path)
	}
	if req.auth != "Bearer KEY123" {
		t.Fatalf("Authorization = %q", req.auth)
	}
	if req.body["to"] != "+15551234567" || req.body["from"] != "+15550000000" || req.body["connection_id"] != "conn-1" {
		t.Fatalf("unexpected body: %+v", req.body)
	}
	if req.body["webhook_url"] != "https://bridge.example.com/api/telephony/webhook" {
		t.Fatalf("webhook_url = %v", req.body["webhook_url"])
	}
}

func TestCreateCall_UpstreamError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnprocessableEntity, `{"errors":[{"code":"10015","title":"Invalid destination"}]}`)
	client := newTestClient(srv.URL)

	_, _, err := client.CreateCall(context.Background(), "bogus")
	if err == nil {
		t.Fatal("expected error")
	}

	var upstream *UpstreamRequestError
	if !errors.As(err, &upstream) {
		t.Fatalf("error type = %T, want *UpstreamRequestError", err)
	}
	if upstream.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("StatusCode = %d", upstream.StatusCode)
	}
	if !strings.Contains(upstream.Body, "Invalid destination") {
		t.Fatalf("Body = %q", upstream.Body)
	}
	if upstream.Retryable() {
		t.Fatal("422 should not be retryable")
	}
}

func TestCreateCall_NotConfigured(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})
	_, _, err := client.CreateCall(context.Background(), "+15551234567")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("error = %v, want ErrNotConfigured", err)
	}
}

func TestStartStreaming(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"data":{"result":"ok"}}`)
	client := newTestClient(srv.URL)

	err := client.StartStreaming(context.Background(), "call_123", "wss://bridge.example.com/api/telephony/media",
		MediaFormat{Codec: "PCMU", SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStreaming() error = %v", err)
	}

	req := (*requests)[0]
	if req.path != "/calls/call_123/actions/streaming_start" {
		t.Fatalf("path = %q", req.path)
	}

	want := map[string]any{
		"stream_url":                         "wss://bridge.example.com/api/telephony/media",
		"stream_track":                       TrackBoth,
		"stream_bidirectional_mode":          "rtp",
		"stream_bidirectional_codec":         "PCMU",
		"stream_bidirectional_sampling_rate": float64(8000),
	}
	for key, value := range want {
		if req.body[key] != value {
			t.Errorf("body[%q] = %v, want %v", key, req.body[key], value)
		}
	}
}

func TestStartStreaming_ServerErrorIsRetryable(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusServiceUnavailable, `upstream down`)
	client := newTestClient(srv.URL)

	err := client.StartStreaming(context.Background(), "call_123", "wss://x/media", MediaFormat{Codec: "PCMU", SampleRate: 8000})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("503 should be retryable: %v", err)
	}
}

func TestSendSMS(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK, `{"data":{"id":"msg-1","text":"hello"}}`)
	client := newTestClient(srv.URL)

	msg, err := client.SendSMS(context.Background(), "", "+15559999999", "hello")
	if err != nil {
		t.Fatalf("SendSMS() error = %v", err)
	}
	if msg.ID != "msg-1" {
		t.Fatalf("ID = %q", msg.ID)
	}
	if (*requests)[0].body["from"] != "+15550000000" {
		t.Fatalf("from should default to the configured number, got %v", (*requests)[0].body["from"])
	}
}

func TestUpstreamRequestError_TransportFailure(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")

	err := client.Hangup(context.Background(), "call_123")
	var upstream *UpstreamRequestError
	if !errors.As(err, &upstream) {
		t.Fatalf("error type = %T, want *UpstreamRequestError", err)
	}
	if upstream.StatusCode != 0 || !upstream.Retryable() {
		t.Fatalf("transport failure should be retryable with no status: %+v", upstream)
	}
}
