package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/store"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clk: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, p *store.Product, a *store.Auction) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.clk.Now().UTC()
	p.CreatedAt = now
	err = tx.QueryRowContext(ctx,
		`INSERT INTO products (owner_id, title, description, category, condition, image_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.OwnerID, p.Title, p.Description, p.Category, p.Condition, p.ImageURL, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}

	a.ProductID = p.ID
	a.CreatedAt = now
	a.UpdatedAt = now
	err = tx.QueryRowContext(ctx,
		`INSERT INTO auctions (product_id, status, start_time, end_time, starting_price, buy_now_price, current_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		a.ProductID, a.Status, a.StartTime, a.EndTime, a.StartingPrice, a.BuyNowPrice, a.CurrentPrice, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("inserting auction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.AuctionListing, error) {
	var a store.Auction
	err := r.db.GetContext(ctx, &a, `SELECT * FROM auctions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}

	var p store.Product
	if err := r.db.GetContext(ctx, &p, `SELECT * FROM products WHERE id = $1`, a.ProductID); err != nil {
		return nil, fmt.Errorf("getting product: %w", err)
	}
	return &store.AuctionListing{Auction: a, Product: p}, nil
}

func (r *AuctionRepo) Update(ctx context.Context, a *store.Auction) error {
	a.UpdatedAt = r.clk.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET status = $1, start_time = $2, end_time = $3, starting_price = $4,
		        buy_now_price = $5, current_price = $6, winner_id = $7, updated_at = $8
		 WHERE id = $9`,
		a.Status, a.StartTime, a.EndTime, a.StartingPrice, a.BuyNowPrice, a.CurrentPrice, a.WinnerID, a.UpdatedAt, a.ID,
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

func (r *AuctionRepo) UpdateProduct(ctx context.Context, p *store.Product) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE products SET title = $1, description = $2, category = $3, condition = $4, image_url = $5
		 WHERE id = $6`,
		p.Title, p.Description, p.Category, p.Condition, p.ImageURL, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating product: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *AuctionRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auctions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// orderColumns whitelists the sortable columns for List.
var orderColumns = map[string]string{
	"current_price": "a.current_price",
	"end_time":      "a.end_time",
	"created_at":    "a.created_at",
}

func (r *AuctionRepo) List(ctx context.Context, f store.AuctionFilter) ([]store.AuctionListing, error) {
	where := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		where = append(where, "a.status = "+arg(f.Status))
	} else {
		where = append(where, "a.status <> "+arg(store.StatusDraft))
	}
	if f.Category != "" {
		where = append(where, "p.category = "+arg(f.Category))
	}
	if f.Condition != "" {
		where = append(where, "p.condition = "+arg(f.Condition))
	}
	if f.MinPrice.Valid {
		where = append(where, "a.current_price >= "+arg(f.MinPrice.Decimal))
	}
	if f.MaxPrice.Valid {
		where = append(where, "a.current_price <= "+arg(f.MaxPrice.Decimal))
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		where = append(where,
			"(p.title ILIKE "+arg(pattern)+" OR p.description ILIKE "+arg(pattern)+")")
	}

	orderCol, ok := orderColumns[f.OrderBy]
	if !ok {
		orderCol = "a.created_at"
	}
	direction := "ASC"
	if f.Descending || f.OrderBy == "" {
		direction = "DESC"
	}

	query := `SELECT a.* FROM auctions a JOIN products p ON p.id = a.product_id
	 WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY " + orderCol + " " + direction
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	var auctions []store.Auction
	if err := r.db.SelectContext(ctx, &auctions, query, args...); err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return r.attachProducts(ctx, auctions)
}

// attachProducts joins products onto auction rows in one extra query.
func (r *AuctionRepo) attachProducts(ctx context.Context, auctions []store.Auction) ([]store.AuctionListing, error) {
	if len(auctions) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(auctions))
	for _, a := range auctions {
		ids = append(ids, a.ProductID)
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

	listings := make([]store.AuctionListing, 0, len(auctions))
	for _, a := range auctions {
		listings = append(listings, store.AuctionListing{Auction: a, Product: byID[a.ProductID]})
	}
	return listings, nil
}
