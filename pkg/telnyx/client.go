// Package telnyx is a small Telnyx Call Control v2 client covering the
// requests the voice bridge makes: outbound call creation, media streaming
// activation, hangup and SMS alerts.
package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public Call Control API root.
const DefaultBaseURL = "https://api.telnyx.com/v2"

// TrackBoth streams caller audio and our own outbound audio.
const TrackBoth = "both_tracks"

// Client is a Telnyx Call Control API client
type Client struct {
	apiKey       string
	connectionID string
	fromNumber   string
	webhookURL   string
	baseURL      string
	httpClient   *http.Client
}

// Config configures a Client. BaseURL and HTTPClient are optional.
type Config struct {
	APIKey       string
	ConnectionID string // Call Control application id
	FromNumber   string // E.164 caller id for outbound calls
	WebhookURL   string // where lifecycle notifications are delivered
	BaseURL      string
	HTTPClient   *http.Client
}

// Call is the subset of the call resource returned on creation.
type Call struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	IsAlive       bool   `json:"is_alive"`
	RecordType    string `json:"record_type"`
}

// Message is an outbound SMS resource.
type Message struct {
	ID   string `json:"id"`
	From struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
	Text string `json:"text"`
}

// MediaFormat declares the codec negotiated for a bidirectional stream.
type MediaFormat struct {
	Codec      string // PCMU, PCMA, L16
	SampleRate int
	Channels   int
}

type createCallRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

type streamingStartRequest struct {
	StreamURL                       string `json:"stream_url"`
	StreamTrack                     string `json:"stream_track"`
	StreamBidirectionalMode         string `json:"stream_bidirectional_mode"`
	StreamBidirectionalCodec        string `json:"stream_bidirectional_codec"`
	StreamBidirectionalSamplingRate int    `json:"stream_bidirectional_sampling_rate,omitempty"`
}

type sendMessageRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// NewClient creates a new Telnyx API client
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}
	return &Client{
		apiKey:       cfg.APIKey,
		connectionID: cfg.ConnectionID,
		fromNumber:   cfg.FromNumber,
		webhookURL:   cfg.WebhookURL,
		baseURL:      baseURL,
		httpClient:   httpClient,
	}
}

// ValidateConfiguration checks if the client can place calls
func (c *Client) ValidateConfiguration() error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: TELNYX_API_KEY", ErrNotConfigured)
	}
	if c.connectionID == "" {
		return fmt.Errorf("%w: TELNYX_CONNECTION_ID", ErrNotConfigured)
	}
	if c.fromNumber == "" {
		return fmt.Errorf("%w: TELNYX_FROM_NUMBER", ErrNotConfigured)
	}
	return nil
}

// CreateCall dials the destination and returns the provider call along with
// the raw response body.
func (c *Client) CreateCall(ctx context.Context, to string) (*Call, json.RawMessage, error) {
	if err := c.ValidateConfiguration(); err != nil {
		return nil, nil, err
	}

	body, err := c.post(ctx, "create call", "/calls", createCallRequest{
		ConnectionID: c.connectionID,
		To:           to,
		From:         c.fromNumber,
		WebhookURL:   c.webhookURL,
	})
	if err != nil {
		return nil, nil, err
	}

	var envelope struct {
		Data Call `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil, fmt.Errorf("telnyx create call: failed to decode response: %w", err)
	}
	if envelope.Data.CallControlID == "" {
		return nil, nil, fmt.Errorf("telnyx create call: response missing call_control_id")
	}

	return &envelope.Data, json.RawMessage(body), nil
}

// StartStreaming asks Telnyx to open a bidirectional media websocket for the
// call at streamURL. Success only means the request was accepted; the stream
// exists once the websocket connects.
func (c *Client) StartStreaming(ctx context.Context, callControlID, streamURL string, format MediaFormat) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	if callControlID == "" {
		return fmt.Errorf("telnyx streaming_start: call_control_id is required")
	}

	_, err := c.post(ctx, "streaming_start", callActionPath(callControlID, "streaming_start"), streamingStartRequest{
		StreamURL:                       streamURL,
		StreamTrack:                     TrackBoth,
		StreamBidirectionalMode:         "rtp",
		StreamBidirectionalCodec:        format.Codec,
		StreamBidirectionalSamplingRate: format.SampleRate,
	})
	return err
}

// Hangup terminates an active call
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	_, err := c.post(ctx, "hangup", callActionPath(callControlID, "hangup"), struct{}{})
	return err
}

// SendSMS sends a text message
func (c *Client) SendSMS(ctx context.Context, from, to, text string) (*Message, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if from == "" {
		from = c.fromNumber
	}

	body, err := c.post(ctx, "send message", "/messages", sendMessageRequest{From: from, To: to, Text: text})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data Message `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("telnyx send message: failed to decode response: %w", err)
	}
	return &envelope.Data, nil
}

func callActionPath(callControlID, action string) string {
	return fmt.Sprintf("/calls/%s/actions/%s", url.PathEscape(callControlID), action)
}

// post sends one JSON request. Non-2xx responses and transport failures are
// reported as *UpstreamRequestError.
func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telnyx %s: failed to encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("telnyx %s: failed to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamRequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &UpstreamRequestError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamRequestError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, nil
}
