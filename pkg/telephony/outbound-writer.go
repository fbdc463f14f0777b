package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn is the part of *websocket.Conn a bridge session uses. Tests
// substitute an in-memory connection.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// OverflowPolicy decides what happens when a connection's outbound queue
// is full.
type OverflowPolicy string

const (
	OverflowDropOldest   OverflowPolicy = "drop_oldest"
	OverflowCloseSession OverflowPolicy = "close_session"
)

var errQueueOverflow = errors.New("outbound queue overflow")

// ============================================
// OUTBOUND QUEUE
// ============================================

// outboundQueue is the bounded FIFO between a session's producers and the
// single writer goroutine of one connection.
type outboundQueue struct {
	ch      chan []byte
	policy  OverflowPolicy
	dropped atomic.Int64
}

func newOutboundQueue(size int, policy OverflowPolicy) *outboundQueue {
	if size <= 0 {
		size = 1
	}
	return &outboundQueue{
		ch:     make(chan []byte, size),
		policy: policy,
	}
}

// push enqueues msg without blocking. When full it discards the oldest
// message, or returns errQueueOverflow under OverflowCloseSession.
func (q *outboundQueue) push(msg []byte) error {
	for {
		select {
		case q.ch <- msg:
			return nil
		default:
		}

		if q.policy == OverflowCloseSession {
			return errQueueOverflow
		}

		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// drain discards everything queued and returns how many messages were removed.
func (q *outboundQueue) drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// ============================================
// WRITER
// ============================================

// outboundWriter is the only goroutine that writes data frames to ws.
type outboundWriter struct {
	ws           WSConn
	ctx          context.Context
	queue        <-chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
}

// Run writes queued messages in order until ctx is done or a write fails.
func (w *outboundWriter) Run() error {
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return nil

		case msg := <-w.queue:
			if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("failed to set write deadline: %w", err)
			}
			if err := w.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}

		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("failed to write ping: %w", err)
			}
		}
	}
}

// closeFrameTimeout bounds the wait for the write lock when sending a close
// frame. A writer stuck on a stalled peer holds that lock until its own
// deadline expires.
const closeFrameTimeout = 20 * time.Millisecond

// closeConn sends a normal close frame if the connection is writable right
// away, then closes ws, which also fails any write in progress.
func closeConn(ws WSConn) {
	if ws == nil {
		return
	}
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeFrameTimeout),
	)
	_ = ws.Close()
}
