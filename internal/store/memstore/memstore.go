// Package memstore provides an in-memory store.Driver. It backs unit tests
// for the arbitration core, the closer and the catalog, and doubles as a
// single-process playground backend.
//
// A single mutex spans every transaction, which makes each InTx trivially
// serializable. Mutations are staged on copies and written back on commit,
// so a failed transaction leaves no visible side effects.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/config"
	"github.com/staninnat/auctiond/internal/store"
)

func init() {
	store.Register("memory", func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return New(clk).Repositories(), nil
	})
}

// Store is the in-memory backend. All exported methods are safe for
// concurrent use.
type Store struct {
	mu  sync.Mutex
	clk clock.Clock

	users       map[string]store.User
	wallets     map[string]store.Wallet // keyed by user id
	products    map[string]store.Product
	auctions    map[string]store.Auction
	bids        []store.BidTransaction
	walletTxs   []store.WalletTransaction
	withdrawals []store.WithdrawalRequest
}

// New returns an empty Store using clk for timestamps.
func New(clk clock.Clock) *Store {
	return &Store{
		clk:      clk,
		users:    make(map[string]store.User),
		wallets:  make(map[string]store.Wallet),
		products: make(map[string]store.Product),
		auctions: make(map[string]store.Auction),
	}
}

// Repositories bundles the store behind the standard driver interface.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Users:    userRepo{s},
		Wallets:  walletRepo{s},
		Auctions: auctionRepo{s},
		Bids:     bidRepo{s},
		Txs:      s,
		Closer:   nopCloser{},
		Ping:     func(ctx context.Context) error { return nil },
	}
}

type userRepo struct{ s *Store }
type walletRepo struct{ s *Store }
type auctionRepo struct{ s *Store }
type bidRepo struct{ s *Store }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// --- seeding helpers (tests) ---

// SeedUser inserts a user and returns it.
func (s *Store) SeedUser(username, email string) store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := store.User{
		ID:        uuid.New().String(),
		Username:  username,
		Email:     email,
		CreatedAt: s.clk.Now().UTC(),
	}
	s.users[u.ID] = u
	return u
}

// SeedWallet inserts a wallet with the given available balance.
func (s *Store) SeedWallet(userID string, balance, held decimal.Decimal) store.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := store.Wallet{
		ID:          uuid.New().String(),
		UserID:      userID,
		Balance:     balance,
		HeldBalance: held,
		CreatedAt:   s.clk.Now().UTC(),
		UpdatedAt:   s.clk.Now().UTC(),
	}
	s.wallets[userID] = w
	return w
}

// SeedAuction inserts a product and an auction over it.
func (s *Store) SeedAuction(p store.Product, a store.Auction) (store.Product, store.Auction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clk.Now().UTC()
	}
	s.products[p.ID] = p

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.ProductID = p.ID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clk.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	s.auctions[a.ID] = a
	return p, a
}

// WalletTransactions returns a copy of the audit ledger, oldest first.
func (s *Store) WalletTransactions() []store.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.WalletTransaction, len(s.walletTxs))
	copy(out, s.walletTxs)
	return out
}

// BidLog returns a copy of the bid log, oldest first.
func (s *Store) BidLog() []store.BidTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.BidTransaction, len(s.bids))
	copy(out, s.bids)
	return out
}

// Withdrawals returns a copy of the withdrawal requests.
func (s *Store) Withdrawals() []store.WithdrawalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.WithdrawalRequest, len(s.withdrawals))
	copy(out, s.withdrawals)
	return out
}

// --- store.TxRunner ---

// InTx runs fn under the store-wide lock. Staged mutations become visible
// only when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, wallets: map[string]*store.Wallet{}, auctions: map[string]*store.Auction{}}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages mutations on copies until commit.
type memTx struct {
	s        *Store
	wallets  map[string]*store.Wallet  // keyed by user id
	auctions map[string]*store.Auction // keyed by auction id

	bids        []store.BidTransaction
	walletTxs   []store.WalletTransaction
	withdrawals []store.WithdrawalRequest
}

func (t *memTx) commit() {
	for userID, w := range t.wallets {
		t.s.wallets[userID] = *w
	}
	for id, a := range t.auctions {
		t.s.auctions[id] = *a
	}
	t.s.bids = append(t.s.bids, t.bids...)
	t.s.walletTxs = append(t.s.walletTxs, t.walletTxs...)
	t.s.withdrawals = append(t.s.withdrawals, t.withdrawals...)
}

func (t *memTx) WalletForUpdate(ctx context.Context, userID string) (*store.Wallet, error) {
	if w, ok := t.wallets[userID]; ok {
		return w, nil
	}
	w, ok := t.s.wallets[userID]
	if !ok {
		w = store.Wallet{
			ID:        uuid.New().String(),
			UserID:    userID,
			CreatedAt: t.s.clk.Now().UTC(),
			UpdatedAt: t.s.clk.Now().UTC(),
		}
	}
	staged := w
	t.wallets[userID] = &staged
	return &staged, nil
}

func (t *memTx) AuctionForUpdate(ctx context.Context, auctionID string) (*store.Auction, error) {
	if a, ok := t.auctions[auctionID]; ok {
		return a, nil
	}
	a, ok := t.s.auctions[auctionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	staged := a
	t.auctions[auctionID] = &staged
	return &staged, nil
}

func (t *memTx) ExpiredAuctionsForUpdate(ctx context.Context, now time.Time) ([]*store.Auction, error) {
	var expired []*store.Auction
	for id, a := range t.s.auctions {
		if a.Status == store.StatusActive && a.EndTime.Before(now) {
			staged, ok := t.auctions[id]
			if !ok {
				cp := a
				staged = &cp
				t.auctions[id] = staged
			}
			expired = append(expired, staged)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].EndTime.Before(expired[j].EndTime) })
	return expired, nil
}

func (t *memTx) ProductOwner(ctx context.Context, productID string) (string, error) {
	p, ok := t.s.products[productID]
	if !ok {
		return "", store.ErrNotFound
	}
	return p.OwnerID, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w *store.Wallet) error {
	w.UpdatedAt = t.s.clk.Now().UTC()
	t.wallets[w.UserID] = w
	return nil
}

func (t *memTx) UpdateAuction(ctx context.Context, a *store.Auction) error {
	a.UpdatedAt = t.s.clk.Now().UTC()
	t.auctions[a.ID] = a
	return nil
}

func (t *memTx) InsertBid(ctx context.Context, b *store.BidTransaction) error {
	b.ID = uuid.New().String()
	b.CreatedAt = t.s.clk.Now().UTC()
	t.bids = append(t.bids, *b)
	return nil
}

func (t *memTx) InsertWalletTransaction(ctx context.Context, wt *store.WalletTransaction) error {
	wt.ID = uuid.New().String()
	wt.CreatedAt = t.s.clk.Now().UTC()
	t.walletTxs = append(t.walletTxs, *wt)
	return nil
}

func (t *memTx) InsertWithdrawal(ctx context.Context, r *store.WithdrawalRequest) error {
	r.ID = uuid.New().String()
	r.CreatedAt = t.s.clk.Now().UTC()
	if r.Status == "" {
		r.Status = store.WithdrawalPending
	}
	t.withdrawals = append(t.withdrawals, *r)
	return nil
}

// --- store.UserRepository ---

func (r userRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// --- store.WalletRepository ---

func (r walletRepo) GetOrCreate(ctx context.Context, userID string) (*store.Wallet, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		w = store.Wallet{
			ID:        uuid.New().String(),
			UserID:    userID,
			CreatedAt: s.clk.Now().UTC(),
			UpdatedAt: s.clk.Now().UTC(),
		}
		s.wallets[userID] = w
	}
	return &w, nil
}

func (r walletRepo) Ledger(ctx context.Context, walletID string) ([]store.WalletTransaction, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WalletTransaction
	for i := len(s.walletTxs) - 1; i >= 0; i-- {
		if s.walletTxs[i].WalletID == walletID {
			out = append(out, s.walletTxs[i])
		}
	}
	return out, nil
}

// --- store.AuctionRepository ---

func (r auctionRepo) Create(ctx context.Context, p *store.Product, a *store.Auction) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()
	p.ID = uuid.New().String()
	p.CreatedAt = now
	s.products[p.ID] = *p

	a.ID = uuid.New().String()
	a.ProductID = p.ID
	a.CreatedAt = now
	a.UpdatedAt = now
	s.auctions[a.ID] = *a
	return nil
}

func (r auctionRepo) GetByID(ctx context.Context, id string) (*store.AuctionListing, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listingLocked(id)
}

func (s *Store) listingLocked(id string) (*store.AuctionListing, error) {
	a, ok := s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.AuctionListing{Auction: a, Product: s.products[a.ProductID]}, nil
}

func (r auctionRepo) Update(ctx context.Context, a *store.Auction) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; !ok {
		return store.ErrNotFound
	}
	a.UpdatedAt = s.clk.Now().UTC()
	s.auctions[a.ID] = *a
	return nil
}

func (r auctionRepo) UpdateProduct(ctx context.Context, p *store.Product) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ID]; !ok {
		return store.ErrNotFound
	}
	s.products[p.ID] = *p
	return nil
}

func (r auctionRepo) Delete(ctx context.Context, id string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.auctions, id)
	delete(s.products, a.ProductID)
	return nil
}

func (r auctionRepo) List(ctx context.Context, f store.AuctionFilter) ([]store.AuctionListing, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.AuctionListing
	for id, a := range s.auctions {
		p := s.products[a.ProductID]
		if f.Status != "" {
			if a.Status != f.Status {
				continue
			}
		} else if a.Status == store.StatusDraft {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if f.Condition != "" && p.Condition != f.Condition {
			continue
		}
		if f.MinPrice.Valid && a.CurrentPrice.LessThan(f.MinPrice.Decimal) {
			continue
		}
		if f.MaxPrice.Valid && a.CurrentPrice.GreaterThan(f.MaxPrice.Decimal) {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(p.Title), needle) &&
				!strings.Contains(strings.ToLower(p.Description), needle) {
				continue
			}
		}
		listing, _ := s.listingLocked(id)
		out = append(out, *listing)
	}

	less := func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) }
	switch f.OrderBy {
	case "current_price":
		less = func(i, j int) bool { return out[i].CurrentPrice.LessThan(out[j].CurrentPrice) }
	case "end_time":
		less = func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) }
	}
	descending := f.Descending || f.OrderBy == ""
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return less(j, i)
		}
		return less(i, j)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- store.BidRepository ---

func (r bidRepo) ListByAuction(ctx context.Context, auctionID string) ([]store.BidTransaction, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.BidTransaction
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.GreaterThan(out[j].Amount) })
	return out, nil
}

func (r bidRepo) ListByBidder(ctx context.Context, userID string) ([]store.MyBid, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	highest := map[string]decimal.Decimal{}
	for _, b := range s.bids {
		if b.BidderID != userID {
			continue
		}
		if cur, ok := highest[b.AuctionID]; !ok || b.Amount.GreaterThan(cur) {
			highest[b.AuctionID] = b.Amount
		}
	}

	var out []store.MyBid
	for auctionID, amount := range highest {
		a, ok := s.auctions[auctionID]
		if !ok {
			continue
		}
		out = append(out, store.MyBid{
			Auction:      a,
			Product:      s.products[a.ProductID],
			MyHighestBid: amount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Auction.CreatedAt.After(out[j].Auction.CreatedAt) })
	return out, nil
}
