package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/store"
)

// WalletRepo implements store.WalletRepository with sqlx.
type WalletRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewWalletRepo returns a new WalletRepo.
func NewWalletRepo(db *sqlx.DB, clk clock.Clock) *WalletRepo {
	return &WalletRepo{db: db, clk: clk}
}

func (r *WalletRepo) GetOrCreate(ctx context.Context, userID string) (*store.Wallet, error) {
	var w store.Wallet
	err := r.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		now := r.clk.Now().UTC()
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO wallets (user_id, created_at, updated_at) VALUES ($1, $2, $2)
			 ON CONFLICT (user_id) DO NOTHING`, userID, now,
		); err != nil {
			return nil, fmt.Errorf("provisioning wallet: %w", err)
		}
		err = r.db.GetContext(ctx, &w, `SELECT * FROM wallets WHERE user_id = $1`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepo) Ledger(ctx context.Context, walletID string) ([]store.WalletTransaction, error) {
	var entries []store.WalletTransaction
	err := r.db.SelectContext(ctx, &entries,
		`SELECT * FROM wallet_transactions WHERE wallet_id = $1 ORDER BY created_at DESC`, walletID)
	if err != nil {
		return nil, fmt.Errorf("listing wallet transactions: %w", err)
	}
	return entries, nil
}
