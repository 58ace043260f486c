package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/staninnat/auctiond/internal/auth"
	"github.com/staninnat/auctiond/internal/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Per-session outbound buffer.
	sendBuffer = 64
)

// session is one live client connection joined to one auction topic.
type session struct {
	uid       string
	auctionID string
	user      auth.User

	conn   *websocket.Conn
	send   chan []byte
	sub    bus.Subscription
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

// teardown cancels sibling tasks and releases the connection and the topic
// subscription. Safe to call from any of the session's goroutines.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.sub.Close()
		_ = s.conn.Close()
	})
}

// trySend queues a frame for delivery. Slow clients whose buffer is full
// lose the frame rather than stalling the session.
func (s *session) trySend(payload []byte) {
	select {
	case s.send <- payload:
	default:
		s.logger.Warn("dropping frame for slow client",
			slog.String("session_uid", s.uid),
			slog.String("auction_id", s.auctionID),
		)
	}
}

// writePump serializes all writes to the connection and keeps the peer
// alive with pings.
func (s *session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.teardown()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// fanOut forwards every bus message for the auction topic to the client
// verbatim.
func (s *session) fanOut(ctx context.Context) {
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-s.sub.Messages():
			if !ok {
				return
			}
			s.trySend(payload)
		}
	}
}
