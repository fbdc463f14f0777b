package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birddigital/voice-bridge/pkg/realtime"
)

// ============================================
// BRIDGE SESSION
// One telephony media connection paired with one voice session
// ============================================

// TeardownReason records which side ended a bridge session.
type TeardownReason string

const (
	ReasonTelephonyClosed TeardownReason = "telephony_closed"
	ReasonVoiceClosed     TeardownReason = "voice_closed"
	ReasonVoiceDialFailed TeardownReason = "voice_dial_failed"
	ReasonQueueOverflow   TeardownReason = "queue_overflow"
	ReasonShutdown        TeardownReason = "shutdown"
)

// BridgeSession relays audio between the caller and the voice model. It
// exists exactly as long as the telephony media connection and owns its
// voice connection.
type BridgeSession struct {
	ID        string
	CreatedAt time.Time

	cfg    BridgeConfig
	logger *slog.Logger

	telephony    WSConn
	telephonyOut *outboundQueue
	voiceOut     *outboundQueue

	ctx    context.Context
	cancel context.CancelFunc

	// guards voice, streamID, callControlID, pending and closed; also held
	// while pushing stream-tagged frames so they stay in order
	mu            sync.Mutex
	voice         WSConn
	streamID      string
	callControlID string
	pending       []string
	closed        bool
	reason        TeardownReason

	ready     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	onClose   func()

	metrics sessionMetrics
}

// SessionMetrics counts what a session relayed and dropped.
type SessionMetrics struct {
	TelephonyFramesIn  int64 `json:"telephony_frames_in"`
	VoiceEventsIn      int64 `json:"voice_events_in"`
	AudioToVoice       int64 `json:"audio_to_voice"`
	AudioToTelephony   int64 `json:"audio_to_telephony"`
	DroppedBeforeReady int64 `json:"dropped_before_ready"`
	PendingDropped     int64 `json:"pending_dropped"`
	MalformedFrames    int64 `json:"malformed_frames"`
	QueueDropped       int64 `json:"queue_dropped"`
	BargeIns           int64 `json:"barge_ins"`
}

type sessionMetrics struct {
	telephonyFramesIn  atomic.Int64
	voiceEventsIn      atomic.Int64
	audioToVoice       atomic.Int64
	audioToTelephony   atomic.Int64
	droppedBeforeReady atomic.Int64
	pendingDropped     atomic.Int64
	malformedFrames    atomic.Int64
	bargeIns           atomic.Int64
}

// SessionStatus is a point-in-time view of a session for the status endpoint.
type SessionStatus struct {
	ID            string         `json:"id"`
	CallControlID string         `json:"call_control_id,omitempty"`
	StreamID      string         `json:"stream_id,omitempty"`
	Ready         bool           `json:"ready"`
	VoiceAttached bool           `json:"voice_attached"`
	Format        AudioFormat    `json:"format"`
	CreatedAt     time.Time      `json:"created_at"`
	Metrics       SessionMetrics `json:"metrics"`
}

func newBridgeSession(id string, telephony WSConn, cfg BridgeConfig, logger *slog.Logger) *BridgeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &BridgeSession{
		ID:           id,
		CreatedAt:    time.Now(),
		cfg:          cfg,
		logger:       logger.With("session_id", id),
		telephony:    telephony,
		telephonyOut: newOutboundQueue(cfg.OutboundQueueSize, cfg.OverflowPolicy),
		voiceOut:     newOutboundQueue(cfg.OutboundQueueSize, cfg.OverflowPolicy),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Ready reports whether the voice session handshake has completed.
func (s *BridgeSession) Ready() bool {
	return s.ready.Load()
}

// StreamID returns the provider stream id, empty until the start frame.
func (s *BridgeSession) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// Done is closed once the session has been torn down.
func (s *BridgeSession) Done() <-chan struct{} {
	return s.done
}

// Reason returns why the session ended, empty while it is open.
func (s *BridgeSession) Reason() TeardownReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Metrics returns a snapshot of the session counters.
func (s *BridgeSession) Metrics() SessionMetrics {
	return SessionMetrics{
		TelephonyFramesIn:  s.metrics.telephonyFramesIn.Load(),
		VoiceEventsIn:      s.metrics.voiceEventsIn.Load(),
		AudioToVoice:       s.metrics.audioToVoice.Load(),
		AudioToTelephony:   s.metrics.audioToTelephony.Load(),
		DroppedBeforeReady: s.metrics.droppedBeforeReady.Load(),
		PendingDropped:     s.metrics.pendingDropped.Load(),
		MalformedFrames:    s.metrics.malformedFrames.Load(),
		QueueDropped:       s.telephonyOut.dropped.Load() + s.voiceOut.dropped.Load(),
		BargeIns:           s.metrics.bargeIns.Load(),
	}
}

// Status returns the session's current status.
func (s *BridgeSession) Status() SessionStatus {
	s.mu.Lock()
	status := SessionStatus{
		ID:            s.ID,
		CallControlID: s.callControlID,
		StreamID:      s.streamID,
		VoiceAttached: s.voice != nil,
		Format:        s.cfg.Format,
		CreatedAt:     s.CreatedAt,
	}
	s.mu.Unlock()

	status.Ready = s.Ready()
	status.Metrics = s.Metrics()
	return status
}

// Close tears down both connections. Only the first call has any effect.
func (s *BridgeSession) Close(reason TeardownReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.reason = reason
		voice := s.voice
		s.pending = nil
		s.mu.Unlock()

		s.ready.Store(false)
		s.cancel()

		// both at once, so a stalled peer never delays closing the other
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); closeConn(s.telephony) }()
		go func() { defer wg.Done(); closeConn(voice) }()
		wg.Wait()

		m := s.Metrics()
		s.logger.Info("bridge session closed",
			"reason", reason,
			"call_control_id", s.callControlIDSnapshot(),
			"duration", time.Since(s.CreatedAt).Round(time.Millisecond),
			"audio_to_voice", m.AudioToVoice,
			"audio_to_telephony", m.AudioToTelephony,
			"dropped_before_ready", m.DroppedBeforeReady,
			"malformed_frames", m.MalformedFrames,
		)

		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}

func (s *BridgeSession) callControlIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callControlID
}

// ============================================
// TELEPHONY SIDE
// ============================================

// runTelephony starts the telephony writer and reads frames until the
// connection fails or the session closes.
func (s *BridgeSession) runTelephony() {
	go func() {
		w := &outboundWriter{
			ws:           s.telephony,
			ctx:          s.ctx,
			queue:        s.telephonyOut.ch,
			writeTimeout: s.cfg.WriteTimeout,
			pingInterval: s.cfg.PingInterval,
		}
		if err := w.Run(); err != nil {
			s.logger.Warn("telephony write failed", "error", err)
			s.Close(ReasonTelephonyClosed)
		}
	}()

	for {
		_, data, err := s.telephony.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("telephony connection closed", "error", err)
			}
			s.Close(ReasonTelephonyClosed)
			return
		}
		s.metrics.telephonyFramesIn.Add(1)
		s.handleTelephonyMessage(data)
	}
}

func (s *BridgeSession) handleTelephonyMessage(data []byte) {
	frame, err := ParseStreamFrame(data)
	if err != nil {
		s.metrics.malformedFrames.Add(1)
		s.logger.Debug("dropping telephony frame", "error", err)
		return
	}

	switch frame.Event {
	case StreamEventStart:
		s.handleStart(frame)
	case StreamEventMedia:
		s.handleMedia(frame.Media)
	case StreamEventStop:
		s.handleStop()
	case StreamEventConnected:
		s.logger.Debug("telephony stream connected")
	case StreamEventError:
		s.logger.Warn("telephony stream reported an error", "frame", string(data))
	default:
		s.logger.Debug("ignoring telephony event", "event", frame.Event)
	}
}

// handleStart records the stream id and flushes agent audio that arrived
// before it, in order.
func (s *BridgeSession) handleStart(frame StreamFrame) {
	var overflow bool

	s.mu.Lock()
	if s.streamID != "" && s.streamID != frame.StreamID {
		s.logger.Warn("stream id changed", "old_stream_id", s.streamID, "stream_id", frame.StreamID)
	}
	s.streamID = frame.StreamID
	if frame.Start != nil {
		s.callControlID = frame.Start.CallControlID
	}
	pending := s.pending
	s.pending = nil
	for _, payload := range pending {
		if err := s.pushMediaLocked(payload); err != nil {
			overflow = true
			break
		}
	}
	s.mu.Unlock()

	if frame.Start != nil {
		mf := frame.Start.MediaFormat
		if !s.cfg.Format.Matches(mf.Encoding, mf.SampleRate, mf.Channels) {
			s.logger.Warn("telephony media format mismatch",
				"expected", s.cfg.Format.String(),
				"encoding", mf.Encoding,
				"sample_rate", mf.SampleRate,
				"channels", mf.Channels,
			)
		}
	}

	s.logger.Info("telephony stream started",
		"stream_id", frame.StreamID,
		"call_control_id", s.callControlIDSnapshot(),
		"flushed", len(pending),
	)

	if overflow {
		s.Close(ReasonQueueOverflow)
	}
}

func (s *BridgeSession) handleMedia(media *StreamMedia) {
	if !media.inbound() {
		return
	}
	if !s.Ready() {
		s.metrics.droppedBeforeReady.Add(1)
		return
	}
	if err := s.sendVoice(realtime.NewAppendAudio(media.Payload)); err != nil {
		s.overflowOrLog(err)
		return
	}
	s.metrics.audioToVoice.Add(1)
}

// handleStop ends the caller's turn when the model is not detecting turns
// on its own.
func (s *BridgeSession) handleStop() {
	if s.cfg.Session.TurnDetection != realtime.TurnDetectionManual {
		s.logger.Info("telephony stream stopped")
		return
	}
	if !s.Ready() {
		s.logger.Info("telephony stream stopped before voice session was ready")
		return
	}

	s.logger.Debug("committing caller turn")
	if err := s.sendVoice(realtime.NewCommit()); err != nil {
		s.overflowOrLog(err)
		return
	}
	if err := s.sendVoice(realtime.NewCreateResponse("")); err != nil {
		s.overflowOrLog(err)
	}
}

// ============================================
// VOICE SIDE
// ============================================

// connectVoice dials the voice model, configures the session and reads
// events until either side closes.
func (s *BridgeSession) connectVoice(dialer VoiceDialer) {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, err := dialer.DialVoice(dialCtx)
	cancel()
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("voice session dial failed", "error", err)
		}
		s.Close(ReasonVoiceDialFailed)
		return
	}

	if !s.attachVoice(conn) {
		closeConn(conn)
		return
	}

	if err := s.sendVoice(realtime.NewSessionUpdate(s.cfg.Session)); err != nil {
		s.overflowOrLog(err)
		return
	}
	if s.cfg.Readiness == ReadinessOptimistic {
		s.markReady()
	}

	go func() {
		w := &outboundWriter{
			ws:           conn,
			ctx:          s.ctx,
			queue:        s.voiceOut.ch,
			writeTimeout: s.cfg.WriteTimeout,
			pingInterval: s.cfg.PingInterval,
		}
		if err := w.Run(); err != nil {
			s.logger.Warn("voice write failed", "error", err)
			s.Close(ReasonVoiceClosed)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("voice connection closed", "error", err)
			}
			s.Close(ReasonVoiceClosed)
			return
		}
		s.metrics.voiceEventsIn.Add(1)
		s.handleVoiceMessage(data)
	}
}

// attachVoice stores conn unless the session closed while dialing.
func (s *BridgeSession) attachVoice(conn WSConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.voice = conn
	return true
}

func (s *BridgeSession) markReady() {
	if !s.ready.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("voice session ready")

	if s.cfg.Greeting != "" {
		if err := s.sendVoice(realtime.NewCreateResponse(s.cfg.Greeting)); err != nil {
			s.overflowOrLog(err)
		}
	}
}

func (s *BridgeSession) handleVoiceMessage(data []byte) {
	ev, err := realtime.ParseServerEvent(data)
	if err != nil {
		s.metrics.malformedFrames.Add(1)
		s.logger.Debug("dropping voice event", "error", err)
		return
	}

	switch {
	case ev.IsAudioDelta():
		s.forwardAudio(ev.Delta)
	case ev.Type == realtime.EventSessionUpdated:
		s.markReady()
	case ev.Type == realtime.EventSessionCreated:
		s.logger.Debug("voice session created")
	case ev.Type == realtime.EventSpeechStarted:
		s.bargeIn()
	case ev.Type == realtime.EventSpeechStopped:
		s.logger.Debug("caller stopped speaking")
	case ev.Type == realtime.EventInputAudioCommitted:
		s.logger.Debug("caller turn committed")
	case ev.Type == realtime.EventResponseDone:
		s.logger.Debug("voice response done")
	case ev.Type == realtime.EventError:
		if ev.Error != nil {
			s.logger.Warn("voice session error", "error", ev.Error)
		} else {
			s.logger.Warn("voice session error", "event", string(data))
		}
	}
}

// forwardAudio relays one synthesized chunk to the caller, holding it while
// the stream id is still unknown.
func (s *BridgeSession) forwardAudio(payload string) {
	if payload == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.streamID == "" {
		s.holdLocked(payload)
		s.mu.Unlock()
		return
	}
	err := s.pushMediaLocked(payload)
	s.mu.Unlock()

	if err != nil {
		s.overflowOrLog(err)
	}
}

// holdLocked buffers payload until the stream id is known, dropping the
// oldest chunk once the buffer is full.
func (s *BridgeSession) holdLocked(payload string) {
	limit := s.cfg.PendingAudioLimit
	if limit <= 0 {
		s.metrics.pendingDropped.Add(1)
		return
	}
	if len(s.pending) >= limit {
		s.pending = s.pending[1:]
		s.metrics.pendingDropped.Add(1)
	}
	s.pending = append(s.pending, payload)
}

func (s *BridgeSession) pushMediaLocked(payload string) error {
	msg, err := mediaFrame(s.streamID, payload)
	if err != nil {
		return err
	}
	if err := s.telephonyOut.push(msg); err != nil {
		return err
	}
	s.metrics.audioToTelephony.Add(1)
	return nil
}

// bargeIn stops agent playback when the caller starts talking over it.
func (s *BridgeSession) bargeIn() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	dropped := s.telephonyOut.drain()
	s.pending = nil
	var err error
	if s.streamID != "" {
		err = s.telephonyOut.push(clearFrame())
	}
	s.mu.Unlock()

	s.metrics.bargeIns.Add(1)
	s.logger.Debug("caller barged in", "discarded", dropped)
	if err != nil {
		s.overflowOrLog(err)
	}
}

func (s *BridgeSession) sendVoice(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.voiceOut.push(data)
}

func (s *BridgeSession) overflowOrLog(err error) {
	if errors.Is(err, errQueueOverflow) {
		s.logger.Warn("outbound queue full, closing session")
		s.Close(ReasonQueueOverflow)
		return
	}
	s.logger.Error("failed to relay frame", "error", err)
}
