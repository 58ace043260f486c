package gateway_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/staninnat/auctiond/internal/arbiter"
	"github.com/staninnat/auctiond/internal/auth"
	"github.com/staninnat/auctiond/internal/bus"
	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/gateway"
	"github.com/staninnat/auctiond/internal/store"
	"github.com/staninnat/auctiond/internal/store/memstore"
)

const (
	testAudience = "auction:realtime"
	testIssuer   = "auction:core"
)

var testTP = noop.NewTracerProvider()

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	srv     *httptest.Server
	st      *memstore.Store
	clk     *clock.Mock
	key     *rsa.PrivateKey
	auction store.Auction
	seller  store.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	clk := clock.NewMock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	st := memstore.New(clk)
	seller := st.SeedUser("seller", "seller@example.com")
	_, auction := st.SeedAuction(
		store.Product{OwnerID: seller.ID, Title: "Vintage Lens"},
		store.Auction{
			Status:        store.StatusActive,
			StartTime:     clk.Now().Add(-time.Hour),
			EndTime:       clk.Now().Add(time.Hour),
			StartingPrice: dec("10.00"),
			CurrentPrice:  dec("10.00"),
		},
	)

	arb := arbiter.New(st, clk, slog.Default(), testTP, 5*time.Second)
	verifier := auth.NewVerifierFromKey(&key.PublicKey, testAudience, testIssuer)
	gw := gateway.New(arb, bus.NewMemory(), verifier, slog.Default(), testTP)

	r := chi.NewRouter()
	gw.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &harness{srv: srv, st: st, clk: clk, key: key, auction: auction, seller: seller}
}

func (h *harness) token(t *testing.T, userID, username string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"aud":      testAudience,
		"iss":      testIssuer,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/auction/" + h.auction.ID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// fundedClient seeds a user with a wallet and opens a session for them.
func (h *harness) fundedClient(t *testing.T, username, balance string) (store.User, *websocket.Conn) {
	t.Helper()
	u := h.st.SeedUser(username, username+"@example.com")
	h.st.SeedWallet(u.ID, dec(balance), decimal.Zero)
	conn := h.dial(t, h.token(t, u.ID, u.Username))
	// Give the server a moment to join the session to the topic before any
	// frames fly.
	time.Sleep(100 * time.Millisecond)
	return u, conn
}

// readFrames collects n frames keyed by their type discriminator.
func readFrames(t *testing.T, conn *websocket.Conn, n int) map[string]map[string]json.RawMessage {
	t.Helper()
	frames := make(map[string]map[string]json.RawMessage)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(frames) < n {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading frame %d of %d: %v", len(frames)+1, n, err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			t.Fatalf("parsing frame %q: %v", payload, err)
		}
		var typ string
		if err := json.Unmarshal(fields["type"], &typ); err != nil {
			t.Fatalf("frame missing type: %q", payload)
		}
		frames[typ] = fields
	}
	return frames
}

func str(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		t.Fatalf("field %q: %v", key, err)
	}
	return s
}

func TestServeWS_RejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "")

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("read error = %v, want policy violation close", err)
	}
}

func TestServeWS_RejectsTokenWithoutUserID(t *testing.T) {
	h := newHarness(t)
	claims := jwt.MapClaims{
		"username": "ghost",
		"aud":      testAudience,
		"iss":      testIssuer,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	conn := h.dial(t, token)

	_, _, readErr := conn.ReadMessage()
	if !websocket.IsCloseError(readErr, websocket.ClosePolicyViolation) {
		t.Errorf("read error = %v, want policy violation close", readErr)
	}
}

func TestBid_AckAndBroadcast(t *testing.T) {
	h := newHarness(t)
	bidder, bidderConn := h.fundedClient(t, "test_bidder", "500.00")
	_, watcherConn := h.fundedClient(t, "watcher", "0.00")

	if err := bidderConn.WriteJSON(map[string]any{"action": "BID", "amount": 50}); err != nil {
		t.Fatalf("sending bid: %v", err)
	}

	// The originator gets both the private ACK and the public NEW_BID.
	// Arrival order is not guaranteed, only arrival.
	frames := readFrames(t, bidderConn, 2)

	ack, ok := frames["BID_ACK"]
	if !ok {
		t.Fatal("missing BID_ACK frame")
	}
	if got := str(t, ack, "amount"); got != "50.00" {
		t.Errorf("ack amount = %q, want 50.00", got)
	}
	if got := str(t, ack, "new_balance"); got != "450.00" {
		t.Errorf("ack new_balance = %q, want 450.00", got)
	}
	if _, err := time.Parse(time.RFC3339, str(t, ack, "timestamp")); err != nil {
		t.Errorf("ack timestamp not RFC3339: %v", err)
	}

	public, ok := frames["NEW_BID"]
	if !ok {
		t.Fatal("missing NEW_BID frame on originator session")
	}

	// Every other subscriber sees the masked broadcast.
	watcherFrames := readFrames(t, watcherConn, 1)
	broadcast, ok := watcherFrames["NEW_BID"]
	if !ok {
		t.Fatal("missing NEW_BID frame on watcher session")
	}

	for name, frame := range map[string]map[string]json.RawMessage{"originator": public, "watcher": broadcast} {
		if got := str(t, frame, "amount"); got != "50.00" {
			t.Errorf("%s NEW_BID amount = %q, want 50.00", name, got)
		}
		var b struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal(frame["bidder"], &b); err != nil {
			t.Fatalf("%s bidder field: %v", name, err)
		}
		if b.ID != bidder.ID {
			t.Errorf("%s bidder id = %q, want %q", name, b.ID, bidder.ID)
		}
		if b.Username != "t***r" {
			t.Errorf("%s bidder username = %q, want masked %q", name, b.Username, "t***r")
		}
	}

	// Persisted state matches the broadcast.
	listing, err := h.st.Repositories().Auctions.GetByID(context.Background(), h.auction.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !listing.CurrentPrice.Equal(dec("50.00")) {
		t.Errorf("persisted current price = %s, want 50.00", listing.CurrentPrice)
	}
	if listing.WinnerID == nil || *listing.WinnerID != bidder.ID {
		t.Errorf("persisted winner = %v, want %s", listing.WinnerID, bidder.ID)
	}
	if got := len(h.st.BidLog()); got != 1 {
		t.Errorf("bid log entries = %d, want 1", got)
	}
}

func TestBid_FailureIsPrivate(t *testing.T) {
	h := newHarness(t)
	_, poorConn := h.fundedClient(t, "broke", "20.00")
	_, watcherConn := h.fundedClient(t, "watcher", "0.00")

	if err := poorConn.WriteJSON(map[string]any{"action": "BID", "amount": 50}); err != nil {
		t.Fatalf("sending bid: %v", err)
	}

	frames := readFrames(t, poorConn, 1)
	errFrame, ok := frames["ERROR"]
	if !ok {
		t.Fatal("missing ERROR frame")
	}
	if msg := str(t, errFrame, "message"); !strings.Contains(msg, "insufficient funds") {
		t.Errorf("error message = %q, want insufficient funds", msg)
	}

	// The watcher hears nothing about the failed attempt.
	_ = watcherConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, payload, err := watcherConn.ReadMessage(); err == nil {
		t.Errorf("watcher unexpectedly received %q", payload)
	}
}

func TestBid_RejectedBelowCurrentShowsPrice(t *testing.T) {
	h := newHarness(t)
	_, c1 := h.fundedClient(t, "first", "500.00")
	_, c2 := h.fundedClient(t, "second", "500.00")

	if err := c1.WriteJSON(map[string]any{"action": "BID", "amount": 60}); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	readFrames(t, c1, 2)
	readFrames(t, c2, 1)

	// Same amount again must be rejected with the updated price visible.
	if err := c2.WriteJSON(map[string]any{"action": "BID", "amount": 60}); err != nil {
		t.Fatalf("second bid: %v", err)
	}
	frames := readFrames(t, c2, 1)
	errFrame, ok := frames["ERROR"]
	if !ok {
		t.Fatal("missing ERROR frame")
	}
	msg := str(t, errFrame, "message")
	if !strings.Contains(msg, "higher than current price") || !strings.Contains(msg, "60.00") {
		t.Errorf("error message = %q, want current-price rejection showing 60.00", msg)
	}
}

func TestReadLoop_UnknownActionAndJunk(t *testing.T) {
	h := newHarness(t)
	_, conn := h.fundedClient(t, "test_bidder", "500.00")

	// Invalid JSON is silently ignored.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("sending junk: %v", err)
	}

	// Unknown action draws a private error.
	if err := conn.WriteJSON(map[string]any{"action": "DANCE"}); err != nil {
		t.Fatalf("sending unknown action: %v", err)
	}
	frames := readFrames(t, conn, 1)
	errFrame, ok := frames["ERROR"]
	if !ok {
		t.Fatal("missing ERROR frame")
	}
	if msg := str(t, errFrame, "message"); msg != "unknown action" {
		t.Errorf("error message = %q, want %q", msg, "unknown action")
	}

	// The session is still healthy: a real bid goes through.
	if err := conn.WriteJSON(map[string]any{"action": "BID", "amount": 50}); err != nil {
		t.Fatalf("sending bid: %v", err)
	}
	got := readFrames(t, conn, 2)
	if _, ok := got["BID_ACK"]; !ok {
		t.Error("missing BID_ACK after junk frames")
	}
}

func TestBid_NonNumericAmount(t *testing.T) {
	h := newHarness(t)
	_, conn := h.fundedClient(t, "test_bidder", "500.00")

	if err := conn.WriteJSON(map[string]any{"action": "BID", "amount": "not-a-number"}); err != nil {
		t.Fatalf("sending bid: %v", err)
	}
	frames := readFrames(t, conn, 1)
	if _, ok := frames["ERROR"]; !ok {
		t.Error("missing ERROR frame for non-numeric amount")
	}
}
