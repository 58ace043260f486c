// Package gateway hosts the long-lived websocket sessions that join clients
// to per-auction broadcast topics, dispatch their bid attempts to the
// arbitration core, acknowledge the originator privately, and fan the public
// event out through the shared bus.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/staninnat/auctiond/internal/arbiter"
	"github.com/staninnat/auctiond/internal/auth"
	"github.com/staninnat/auctiond/internal/bus"
)

// sessionKey identifies one registered session.
type sessionKey struct {
	auctionID string
	uid       string
}

// Gateway upgrades websocket connections and runs their sessions.
type Gateway struct {
	arbiter  *arbiter.Arbiter
	bus      bus.Bus
	verifier *auth.Verifier
	logger   *slog.Logger
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	// mu covers registry insert/remove only; it is never held across I/O.
	mu       sync.Mutex
	sessions map[sessionKey]*session
}

// New creates a Gateway.
func New(arb *arbiter.Arbiter, b bus.Bus, verifier *auth.Verifier, logger *slog.Logger, tp trace.TracerProvider) *Gateway {
	return &Gateway{
		arbiter:  arb,
		bus:      b,
		verifier: verifier,
		logger:   logger,
		tracer:   tp.Tracer("github.com/staninnat/auctiond/internal/gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[sessionKey]*session),
	}
}

// Routes mounts the websocket endpoint on a chi router.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws/auction/{auction_id}", g.ServeWS)
}

// SessionCount reports the number of live sessions on this instance.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// ServeWS handles one websocket client for the auction in the path. The
// bearer token comes from the token query parameter or a cookie; a missing
// or invalid token closes the connection with a policy-violation code.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auction_id")
	token := bearerToken(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	user, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Warn("websocket authentication failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	g.serve(conn, auctionID, *user)
}

// bearerToken extracts the token from the query string or, failing that,
// the token cookie.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (g *Gateway) serve(conn *websocket.Conn, auctionID string, user auth.User) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := g.bus.Subscribe(ctx, bus.AuctionTopic(auctionID))
	if err != nil {
		g.logger.Error("bus subscribe failed",
			slog.String("auction_id", auctionID),
			slog.Any("error", err),
		)
		_ = conn.Close()
		return
	}

	sess := &session{
		uid:       uuid.New().String(),
		auctionID: auctionID,
		user:      user,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sub:       sub,
		cancel:    cancel,
		logger:    g.logger,
	}

	g.register(sess)
	defer g.unregister(sess)
	defer sess.teardown()

	g.logger.Info("session opened",
		slog.String("auction_id", auctionID),
		slog.String("user_id", user.ID),
		slog.String("session_uid", sess.uid),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sess.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		sess.fanOut(ctx)
	}()

	g.readLoop(ctx, sess)

	sess.teardown()
	wg.Wait()

	g.logger.Info("session closed",
		slog.String("auction_id", auctionID),
		slog.String("user_id", user.ID),
		slog.String("session_uid", sess.uid),
	)
}

func (g *Gateway) register(s *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionKey{s.auctionID, s.uid}] = s
}

func (g *Gateway) unregister(s *session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionKey{s.auctionID, s.uid})
}

// readLoop parses inbound frames until the client disconnects or the
// session is torn down.
func (g *Gateway) readLoop(ctx context.Context, sess *session) {
	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read error", slog.Any("error", err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			// Noisy clients send junk; ignore it.
			continue
		}

		switch frame.Action {
		case actionBid:
			g.handleBid(ctx, sess, frame)
		default:
			g.sendError(sess, "unknown action")
		}
	}
}

func (g *Gateway) handleBid(ctx context.Context, sess *session, frame inboundFrame) {
	ctx, span := g.tracer.Start(ctx, "Gateway.handleBid",
		trace.WithAttributes(
			attribute.String("auction.id", sess.auctionID),
			attribute.String("user.id", sess.user.ID),
		),
	)
	defer span.End()

	amount, err := decimal.NewFromString(strings.Trim(string(frame.Amount), `"`))
	if err != nil {
		g.sendError(sess, "invalid amount")
		return
	}

	bidder := arbiter.Bidder{ID: sess.user.ID, Username: sess.user.Username}
	result, err := g.arbiter.PlaceBid(ctx, sess.auctionID, bidder, amount)
	if err != nil {
		g.sendError(sess, arbiter.UserMessage(err))
		return
	}

	// Private ACK to the originator.
	ack, _ := json.Marshal(bidAckFrame{
		Type:       frameBidAck,
		Amount:     result.NewPrice.StringFixed(2),
		NewBalance: result.NewBalance.StringFixed(2),
		Timestamp:  wireTime(result.Timestamp),
	})
	sess.trySend(ack)

	// Public event for every subscriber, through the shared bus so other
	// gateway instances see it too. The bid is already committed: a publish
	// failure loses the event for others but never the bid.
	broadcast, _ := json.Marshal(newBidFrame{
		Type:   frameNewBid,
		Amount: result.NewPrice.StringFixed(2),
		Bidder: bidderDetail{
			ID:       result.BidderID,
			Username: maskUsername(result.BidderUsername),
		},
		Timestamp: wireTime(result.Timestamp),
	})
	if err := g.bus.Publish(ctx, bus.AuctionTopic(sess.auctionID), broadcast); err != nil {
		g.logger.Error("bus publish failed; bid committed but not broadcast",
			slog.String("auction_id", sess.auctionID),
			slog.Any("error", err),
		)
	}
}

func (g *Gateway) sendError(sess *session, message string) {
	payload, _ := json.Marshal(errorFrame{Type: frameError, Message: message})
	sess.trySend(payload)
}
