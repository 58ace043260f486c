package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/store"
)

// Transient Postgres SQLSTATE codes: serialization_failure,
// deadlock_detected, lock_not_available.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

const txMaxRetries = 2

// TxRunner implements store.TxRunner with serializable sqlx transactions.
// Transient failures are retried up to txMaxRetries times with small jitter
// before being surfaced as store.ErrTransient.
type TxRunner struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewTxRunner returns a new TxRunner.
func NewTxRunner(db *sqlx.DB, clk clock.Clock) *TxRunner {
	return &TxRunner{db: db, clk: clk}
}

func (r *TxRunner) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.runOnce(ctx, fn)
		if err == nil || !isTransient(err) || attempt == txMaxRetries {
			break
		}
		// Small jitter before retrying so competing transactions de-phase.
		select {
		case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&pgTx{tx: tx, clk: r.clk}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientCodes[string(pqErr.Code)]
	}
	return errors.Is(err, store.ErrTransient)
}

// pgTx implements store.Tx on a single open sqlx transaction.
type pgTx struct {
	tx  *sqlx.Tx
	clk clock.Clock
}

func (t *pgTx) WalletForUpdate(ctx context.Context, userID string) (*store.Wallet, error) {
	var w store.Wallet
	err := t.tx.GetContext(ctx, &w, `SELECT * FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		// First reference provisions an empty wallet.
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID,
		); err != nil {
			return nil, fmt.Errorf("provisioning wallet: %w", err)
		}
		err = t.tx.GetContext(ctx, &w, `SELECT * FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking wallet: %w", err)
	}
	return &w, nil
}

func (t *pgTx) AuctionForUpdate(ctx context.Context, auctionID string) (*store.Auction, error) {
	var a store.Auction
	err := t.tx.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1 FOR UPDATE`, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking auction: %w", err)
	}
	return &a, nil
}

func (t *pgTx) ExpiredAuctionsForUpdate(ctx context.Context, now time.Time) ([]*store.Auction, error) {
	var auctions []*store.Auction
	err := t.tx.SelectContext(ctx, &auctions,
		`SELECT * FROM auctions WHERE status = $1 AND end_time < $2 FOR UPDATE`,
		store.StatusActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("locking expired auctions: %w", err)
	}
	return auctions, nil
}

func (t *pgTx) ProductOwner(ctx context.Context, productID string) (string, error) {
	var ownerID string
	err := t.tx.GetContext(ctx, &ownerID, `SELECT owner_id FROM products WHERE id = $1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting product owner: %w", err)
	}
	return ownerID, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *store.Wallet) error {
	w.UpdatedAt = t.clk.Now().UTC()
	result, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $1, held_balance = $2, updated_at = $3 WHERE id = $4`,
		w.Balance, w.HeldBalance, w.UpdatedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("updating wallet: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateAuction(ctx context.Context, a *store.Auction) error {
	a.UpdatedAt = t.clk.Now().UTC()
	result, err := t.tx.ExecContext(ctx,
		`UPDATE auctions SET status = $1, current_price = $2, winner_id = $3, end_time = $4, updated_at = $5
		 WHERE id = $6`,
		a.Status, a.CurrentPrice, a.WinnerID, a.EndTime, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *store.BidTransaction) error {
	b.CreatedAt = t.clk.Now().UTC()
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO bid_transactions (auction_id, bidder_id, amount, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		b.AuctionID, b.BidderID, b.Amount, b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWalletTransaction(ctx context.Context, wt *store.WalletTransaction) error {
	wt.CreatedAt = t.clk.Now().UTC()
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO wallet_transactions (wallet_id, transaction_type, amount, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		wt.WalletID, wt.Type, wt.Amount, wt.ReferenceID, wt.CreatedAt,
	).Scan(&wt.ID)
	if err != nil {
		return fmt.Errorf("inserting wallet transaction: %w", err)
	}
	return nil
}

func (t *pgTx) InsertWithdrawal(ctx context.Context, r *store.WithdrawalRequest) error {
	r.CreatedAt = t.clk.Now().UTC()
	if r.Status == "" {
		r.Status = store.WithdrawalPending
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO withdrawal_requests (user_id, amount, status, bank_details, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		r.UserID, r.Amount, r.Status, r.BankDetails, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("inserting withdrawal request: %w", err)
	}
	return nil
}
