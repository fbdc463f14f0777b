package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMissingAPIKey is returned by Dial when no API key is configured.
var ErrMissingAPIKey = errors.New("realtime: OPENAI_API_KEY not configured")

// Dialer opens voice sessions. The zero value dials the public endpoint with
// the default model once APIKey is set.
type Dialer struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
}

// Endpoint returns the websocket URL including the model query parameter.
func (d Dialer) Endpoint() (string, error) {
	base := d.URL
	if base == "" {
		base = DefaultURL
	}
	model := d.Model
	if model == "" {
		model = DefaultModel
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url %q: %w", base, err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the voice service. The returned connection has not been
// configured yet; callers send NewSessionUpdate first.
func (d Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	if d.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to Realtime API (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to Realtime API: %w", err)
	}
	return conn, nil
}
