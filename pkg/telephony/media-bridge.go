package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/birddigital/voice-bridge/pkg/realtime"
)

// ============================================
// MEDIA BRIDGE
// Accepts provider media websockets and pairs each with a voice session
// ============================================

// Readiness decides when caller audio starts flowing to the voice model.
type Readiness string

const (
	// ReadinessAck waits for the voice service to acknowledge session.update.
	ReadinessAck Readiness = "ack"
	// ReadinessOptimistic is ready as soon as session.update is queued.
	ReadinessOptimistic Readiness = "optimistic"
)

// BridgeConfig configures every session the bridge creates.
type BridgeConfig struct {
	Session           realtime.SessionConfig
	Greeting          string // spoken once the session is ready; empty for none
	Readiness         Readiness
	Format            AudioFormat
	OutboundQueueSize int
	PendingAudioLimit int // negative disables holding audio before start
	OverflowPolicy    OverflowPolicy
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	DialTimeout       time.Duration
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	if c.Readiness == "" {
		c.Readiness = ReadinessAck
	}
	if c.Format == (AudioFormat{}) {
		c.Format = AudioFormatMulaw
	}
	c.Session.AudioFormat = c.Format.RealtimeFormat()
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 256
	}
	if c.PendingAudioLimit == 0 {
		c.PendingAudioLimit = 64
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDropOldest
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// VoiceDialer opens a connection to the voice model.
type VoiceDialer interface {
	DialVoice(ctx context.Context) (WSConn, error)
}

// VoiceDialFunc adapts a function to VoiceDialer.
type VoiceDialFunc func(ctx context.Context) (WSConn, error)

func (f VoiceDialFunc) DialVoice(ctx context.Context) (WSConn, error) {
	return f(ctx)
}

// RealtimeDialer dials the OpenAI Realtime API with d.
func RealtimeDialer(d realtime.Dialer) VoiceDialer {
	return VoiceDialFunc(func(ctx context.Context) (WSConn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// MediaBridge owns the live bridge sessions.
type MediaBridge struct {
	cfg      BridgeConfig
	dialer   VoiceDialer
	logger   *slog.Logger
	tracker  *SessionTracker
	upgrader websocket.Upgrader

	mu           sync.Mutex
	shuttingDown bool
}

// NewMediaBridge creates a new media bridge
func NewMediaBridge(cfg BridgeConfig, dialer VoiceDialer, logger *slog.Logger) *MediaBridge {
	return &MediaBridge{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		logger:  logger.With("component", "media_bridge"),
		tracker: NewSessionTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// provider media servers send no browser origin
				return true
			},
		},
	}
}

// HandleWebSocketConnection upgrades a provider media request and bridges it.
func (b *MediaBridge) HandleWebSocketConnection(w http.ResponseWriter, r *http.Request) {
	if b.isShuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(1 << 20)

	b.Accept(conn)
}

// Accept starts a bridge session on an open telephony media connection and
// returns without waiting for the voice session. It returns nil if the
// bridge is shutting down, after closing conn.
func (b *MediaBridge) Accept(conn WSConn) *BridgeSession {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		closeConn(conn)
		return nil
	}
	s := newBridgeSession(uuid.NewString(), conn, b.cfg, b.logger)
	s.onClose = b.tracker.Register(s)
	b.mu.Unlock()

	s.logger.Info("media connection accepted", "active_sessions", b.tracker.Count())

	go s.runTelephony()
	go s.connectVoice(b.dialer)

	return s
}

// Session returns the live session with id, or nil.
func (b *MediaBridge) Session(id string) *BridgeSession {
	return b.tracker.Get(id)
}

// Sessions returns the status of every live session.
func (b *MediaBridge) Sessions() []SessionStatus {
	return b.tracker.Snapshot()
}

func (b *MediaBridge) ActiveSessions() int {
	return b.tracker.Count()
}

// Shutdown refuses new media connections, closes every session and waits
// for them to finish or ctx to end.
func (b *MediaBridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shuttingDown = true
	b.mu.Unlock()

	closed := b.tracker.CloseAll(ReasonShutdown)
	if !b.tracker.Wait(ctx) {
		return ctx.Err()
	}
	b.logger.Info("media bridge stopped", "closed_sessions", closed)
	return nil
}

func (b *MediaBridge) isShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shuttingDown
}
