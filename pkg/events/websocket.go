package events

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSSubscriber adapts a WebSocket connection to the Subscriber interface.
// Sends are serialized and bounded by a write timeout so one slow client
// cannot stall the publishing goroutine indefinitely.
type WSSubscriber struct {
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWSSubscriber wraps conn. ctx bounds the connection's lifetime; writes
// race against both ctx and the write timeout.
func NewWSSubscriber(ctx context.Context, conn *websocket.Conn, writeTimeout time.Duration) *WSSubscriber {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSSubscriber{conn: conn, ctx: ctx, writeTimeout: writeTimeout}
}

// Send implements Subscriber.
func (s *WSSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

// Close implements Subscriber. Safe to call more than once.
func (s *WSSubscriber) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
