package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/birddigital/voice-bridge/pkg/telnyx"
)

// ============================================
// CALL LIFECYCLE CONTROLLER
// PENDING -> ANSWERED -> STREAMING_REQUESTED, removed on hangup
// ============================================

// ErrInvalidDestination is returned by PlaceCall for numbers that are not E.164.
var ErrInvalidDestination = errors.New("destination must be in E.164 format (+1234567890)")

// TelephonyClient is the signaling API the controller drives.
type TelephonyClient interface {
	CreateCall(ctx context.Context, to string) (*telnyx.Call, json.RawMessage, error)
	StartStreaming(ctx context.Context, callControlID, streamURL string, format telnyx.MediaFormat) error
	Hangup(ctx context.Context, callControlID string) error
}

// Notifier is told when a call could not be bridged.
type Notifier interface {
	NotifyActivationFailed(ctx context.Context, callControlID, destination string, cause error) error
}

// ControllerConfig configures streaming activation.
type ControllerConfig struct {
	MediaURL    string // wss URL of the media endpoint
	Format      AudioFormat
	MaxAttempts int
	Backoff     time.Duration // first retry delay, doubled per attempt
	MaxBackoff  time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.Format == (AudioFormat{}) {
		c.Format = AudioFormatMulaw
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// CallController owns call state. It never touches bridge sessions: the
// media connection closing is what ends a bridge.
type CallController struct {
	client   TelephonyClient
	store    CallStore
	notifier Notifier
	cfg      ControllerConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	queues map[string][]CallEvent // pending events per call; present while a worker runs
	wg     sync.WaitGroup
}

// NewCallController creates a new call controller. notifier may be nil.
func NewCallController(client TelephonyClient, store CallStore, notifier Notifier, cfg ControllerConfig, logger *slog.Logger) *CallController {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallController{
		client:   client,
		store:    store,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "call_controller"),
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string][]CallEvent),
	}
}

// PlaceCall dials to and registers the call as pending. It returns the
// provider's raw response body alongside the call.
func (c *CallController) PlaceCall(ctx context.Context, to string) (Call, json.RawMessage, error) {
	if !isValidE164(to) {
		return Call{}, nil, ErrInvalidDestination
	}

	created, raw, err := c.client.CreateCall(ctx, to)
	if err != nil {
		c.logger.Error("failed to create call", "to", to, "error", err)
		return Call{}, nil, err
	}

	call := Call{
		CallControlID: created.CallControlID,
		To:            to,
		State:         StatePending,
	}
	if err := c.store.Insert(ctx, call); err != nil {
		// the provider may already have reported the call, e.g. a retried request
		if !errors.Is(err, ErrCallExists) {
			c.abandon(ctx, call.CallControlID, err)
			return call, raw, fmt.Errorf("failed to register call: %w", err)
		}
		c.logger.Warn("call already registered", "call_control_id", call.CallControlID)
	}

	c.logger.Info("call placed", "call_control_id", call.CallControlID, "to", to)
	return call, raw, nil
}

// abandon hangs up a call the controller could not track; its answered
// notification would otherwise be ignored and the callee left on a dead line.
func (c *CallController) abandon(ctx context.Context, callControlID string, cause error) {
	log := c.logger.With("call_control_id", callControlID)
	log.Error("failed to register call, hanging up", "error", cause)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.client.Hangup(ctx, callControlID); err != nil {
		log.Error("failed to hang up unregistered call", "error", err)
	}
}

// Dispatch queues ev so webhook responses never wait on the provider API.
// Events for one call are applied in arrival order; streaming activation
// runs on its own goroutine so a hangup can stop its retries.
func (c *CallController) Dispatch(ev CallEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("controller closed, dropping event", "event", ev.Type, "call_control_id", ev.CallControlID)
		return
	}
	if queued, running := c.queues[ev.CallControlID]; running {
		c.queues[ev.CallControlID] = append(queued, ev)
		c.mu.Unlock()
		return
	}
	c.queues[ev.CallControlID] = nil
	c.wg.Add(1)
	c.mu.Unlock()

	go c.drain(ev)
}

// drain applies ev and then every event queued behind it for the same call.
func (c *CallController) drain(ev CallEvent) {
	defer c.wg.Done()

	for {
		log := c.eventLogger(ev)
		if c.apply(c.ctx, ev, log) {
			c.wg.Add(1)
			go func(id string) {
				defer c.wg.Done()
				c.activate(c.ctx, id, log)
			}(ev.CallControlID)
		}

		c.mu.Lock()
		queued := c.queues[ev.CallControlID]
		if len(queued) == 0 {
			delete(c.queues, ev.CallControlID)
			c.mu.Unlock()
			return
		}
		ev = queued[0]
		c.queues[ev.CallControlID] = queued[1:]
		c.mu.Unlock()
	}
}

// HandleEvent applies one lifecycle notification, activating streaming
// before it returns.
func (c *CallController) HandleEvent(ctx context.Context, ev CallEvent) {
	log := c.eventLogger(ev)
	if c.apply(ctx, ev, log) {
		c.activate(ctx, ev.CallControlID, log)
	}
}

func (c *CallController) eventLogger(ev CallEvent) *slog.Logger {
	return c.logger.With("call_control_id", ev.CallControlID, "event", ev.Type)
}

// apply updates call state for ev and reports whether streaming should be
// activated.
func (c *CallController) apply(ctx context.Context, ev CallEvent, log *slog.Logger) bool {
	switch ev.Kind {
	case EventAnswered:
		return c.onAnswered(ctx, ev.CallControlID, log)

	case EventHangup:
		existed, err := c.store.Delete(ctx, ev.CallControlID)
		if err != nil {
			log.Error("failed to remove call", "error", err)
			return false
		}
		if existed {
			log.Info("call ended", "hangup_cause", ev.HangupCause)
		} else {
			log.Debug("hangup for unknown call")
		}

	case EventStreamingStarted, EventStreamingStopped:
		log.Info("streaming status")

	case EventStreamingFailed:
		log.Warn("provider reported streaming failure")

	default:
		log.Debug("ignoring call event")
	}
	return false
}

// onAnswered moves the call to ANSWERED. Only the notification that wins
// the transition activates streaming.
func (c *CallController) onAnswered(ctx context.Context, callControlID string, log *slog.Logger) bool {
	won, err := c.store.Transition(ctx, callControlID, StatePending, StateAnswered)
	if errors.Is(err, ErrCallNotFound) {
		log.Warn("answered for unknown call")
		return false
	}
	if err != nil {
		log.Error("failed to mark call answered", "error", err)
		return false
	}
	if !won {
		log.Info("duplicate answered notification ignored")
		return false
	}

	log.Info("call answered, activating media stream")
	return true
}

// activate requests the media stream, retrying retryable failures with
// exponential backoff while the call is still live.
func (c *CallController) activate(ctx context.Context, callControlID string, log *slog.Logger) {
	format := c.cfg.Format.MediaFormat()
	backoff := c.cfg.Backoff

	for attempt := 1; ; attempt++ {
		err := c.client.StartStreaming(ctx, callControlID, c.cfg.MediaURL, format)
		if err == nil {
			c.streamingRequested(ctx, callControlID, attempt, log)
			return
		}

		retry := telnyx.IsRetryable(err) && attempt < c.cfg.MaxAttempts
		log.Warn("streaming activation failed", "attempt", attempt, "retry", retry, "error", err)
		if !retry {
			c.activationFailed(ctx, callControlID, attempt, err, log)
			return
		}

		if !sleepContext(ctx, backoff) {
			log.Info("activation abandoned", "error", ctx.Err())
			return
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)

		if _, err := c.store.Get(ctx, callControlID); errors.Is(err, ErrCallNotFound) {
			log.Info("call ended during activation, not retrying")
			return
		}
	}
}

func (c *CallController) streamingRequested(ctx context.Context, callControlID string, attempts int, log *slog.Logger) {
	ok, err := c.store.Transition(ctx, callControlID, StateAnswered, StateStreamingRequested)
	switch {
	case errors.Is(err, ErrCallNotFound):
		log.Info("streaming requested for a call that has since ended")
	case err != nil:
		log.Error("failed to record streaming request", "error", err)
	case !ok:
		log.Warn("call left answered state during activation")
	default:
		log.Info("streaming requested", "attempts", attempts, "media_url", c.cfg.MediaURL)
	}
}

// activationFailed leaves the call in ANSWERED and reports the failure.
func (c *CallController) activationFailed(ctx context.Context, callControlID string, attempts int, cause error, log *slog.Logger) {
	log.Error("streaming activation gave up", "attempts", attempts, "error", cause)

	if c.notifier == nil {
		return
	}
	var destination string
	if call, err := c.store.Get(ctx, callControlID); err == nil {
		destination = call.To
	}
	if err := c.notifier.NotifyActivationFailed(ctx, callControlID, destination, cause); err != nil {
		log.Error("failed to send activation alert", "error", err)
	}
}

// ActiveCalls returns how many calls are between creation and termination.
func (c *CallController) ActiveCalls(ctx context.Context) (int, error) {
	return c.store.Count(ctx)
}

// Wait blocks until all dispatched events have been handled.
func (c *CallController) Wait() {
	c.wg.Wait()
}

// Close stops accepting events, cancels in-flight activation backoff and
// waits for handlers to return.
func (c *CallController) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isValidE164 checks if a phone number is in E.164 format
func isValidE164(phone string) bool {
	if len(phone) < 3 || len(phone) > 16 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	for _, c := range phone[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
