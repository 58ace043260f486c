package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/staninnat/auctiond/internal/store"
)

// BidRepo implements store.BidRepository with sqlx. The bid log is
// append-only; writes happen inside arbitration transactions only.
type BidRepo struct {
	db *sqlx.DB
}

// NewBidRepo returns a new BidRepo.
func NewBidRepo(db *sqlx.DB) *BidRepo {
	return &BidRepo{db: db}
}

func (r *BidRepo) ListByAuction(ctx context.Context, auctionID string) ([]store.BidTransaction, error) {
	var bids []store.BidTransaction
	err := r.db.SelectContext(ctx, &bids,
		`SELECT * FROM bid_transactions WHERE auction_id = $1 ORDER BY amount DESC`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return bids, nil
}

// myBidRow carries an auction with the caller's highest bid on it.
type myBidRow struct {
	store.Auction
	MyHighestBid decimal.Decimal `db:"my_highest_bid"`
}

func (r *BidRepo) ListByBidder(ctx context.Context, userID string) ([]store.MyBid, error) {
	var rows []myBidRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT a.*, MAX(b.amount) AS my_highest_bid
		 FROM bid_transactions b
		 JOIN auctions a ON a.id = b.auction_id
		 WHERE b.bidder_id = $1
		 GROUP BY a.id
		 ORDER BY a.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing my bids: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ProductID)
	}
	query, args, err := sqlx.In(`SELECT * FROM products WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("building product query: %w", err)
	}
	var products []store.Product
	if err := r.db.SelectContext(ctx, &products, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading products: %w", err)
	}
	byID := make(map[string]store.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	out := make([]store.MyBid, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.MyBid{
			Auction:      row.Auction,
			Product:      byID[row.ProductID],
			MyHighestBid: row.MyHighestBid,
		})
	}
	return out, nil
}
