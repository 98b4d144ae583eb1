// Package wsbridge adapts a single gorilla/websocket connection into a
// progress.Sink for one in-flight request.
package wsbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay-agent.dev/core/internal/pkg/logger"
	"relay-agent.dev/core/internal/progress"
)

const (
	clientBufferSize = 100
	writeWait        = 10 * time.Second
)

var errBufferFull = errors.New("wsbridge: client buffer full, event dropped")

// Sink pairs one websocket connection with a buffered outgoing channel
// drained by a single writer goroutine, so a slow or dead client can
// never block the worker emitting progress events through it.
type Sink struct {
	conn *websocket.Conn
	out  chan progress.EventEnvelope
	done chan struct{}

	closeOnce sync.Once
}

// New starts a Sink's writer goroutine over conn. Callers must call
// Close once the connection ends to release the goroutine.
func New(conn *websocket.Conn) *Sink {
	s := &Sink{
		conn: conn,
		out:  make(chan progress.EventEnvelope, clientBufferSize),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Sink) writeLoop() {
	for {
		select {
		case ev, ok := <-s.out:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				logger.Warn("wsbridge write failed", zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send implements progress.Sink. It never blocks: when the connection's
// outgoing buffer is full the event is dropped and errBufferFull is
// returned, which the bridge records as a reachability failure without
// touching the emitting worker.
func (s *Sink) Send(ctx context.Context, event progress.EventEnvelope) error {
	select {
	case s.out <- event:
		return nil
	default:
		return errBufferFull
	}
}

// Close stops the writer goroutine and closes the underlying connection.
// Idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.out)
	})
	return s.conn.Close()
}
