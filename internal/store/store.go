package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Errors returned by repositories. Drivers map their backend-specific
// failures onto these so callers can branch without knowing the backend.
var (
	ErrNotFound = errors.New("record not found")
	// ErrTransient marks serialization failures and lock-wait timeouts that
	// are safe to retry.
	ErrTransient = errors.New("transient storage error")
)

// AuctionStatus enumerates the auction lifecycle states.
type AuctionStatus string

const (
	StatusDraft     AuctionStatus = "DRAFT"
	StatusActive    AuctionStatus = "ACTIVE"
	StatusFinished  AuctionStatus = "FINISHED"
	StatusExpired   AuctionStatus = "EXPIRED"
	StatusCancelled AuctionStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s AuctionStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// WalletTransactionType enumerates audit-ledger entry types.
type WalletTransactionType string

const (
	TxDeposit    WalletTransactionType = "DEPOSIT"
	TxWithdraw   WalletTransactionType = "WITHDRAW"
	TxBidHold    WalletTransactionType = "BID_HOLD"
	TxBidRelease WalletTransactionType = "BID_RELEASE"
	TxPayment    WalletTransactionType = "PAYMENT"
	TxRefund     WalletTransactionType = "REFUND"
)

// WithdrawalStatus enumerates manual withdrawal request states.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalApproved WithdrawalStatus = "APPROVED"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
)

// User is an account created by the external registration service. The core
// never mutates users.
type User struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// Wallet holds a user's available and held funds. Total money is
// balance + held_balance; both are non-negative fixed-point (14,2).
type Wallet struct {
	ID          string          `db:"id"`
	UserID      string          `db:"user_id"`
	Balance     decimal.Decimal `db:"balance"`
	HeldBalance decimal.Decimal `db:"held_balance"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// Product is the item being auctioned.
type Product struct {
	ID          string    `db:"id"`
	OwnerID     string    `db:"owner_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Category    string    `db:"category"`
	Condition   string    `db:"condition"`
	ImageURL    *string   `db:"image_url"`
	CreatedAt   time.Time `db:"created_at"`
}

// Auction is one auction round over a product.
type Auction struct {
	ID            string              `db:"id"`
	ProductID     string              `db:"product_id"`
	Status        AuctionStatus       `db:"status"`
	StartTime     time.Time           `db:"start_time"`
	EndTime       time.Time           `db:"end_time"`
	StartingPrice decimal.Decimal     `db:"starting_price"`
	BuyNowPrice   decimal.NullDecimal `db:"buy_now_price"`
	CurrentPrice  decimal.Decimal     `db:"current_price"`
	WinnerID      *string             `db:"winner_id"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`
}

// BidTransaction is an immutable bid log entry.
type BidTransaction struct {
	ID        string          `db:"id"`
	AuctionID string          `db:"auction_id"`
	BidderID  string          `db:"bidder_id"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

// WalletTransaction is an append-only audit log entry. ReferenceID is an
// opaque weak pointer (auction id, payment-gateway charge id, ...).
type WalletTransaction struct {
	ID          string                `db:"id"`
	WalletID    string                `db:"wallet_id"`
	Type        WalletTransactionType `db:"transaction_type"`
	Amount      decimal.Decimal       `db:"amount"`
	ReferenceID string                `db:"reference_id"`
	CreatedAt   time.Time             `db:"created_at"`
}

// WithdrawalRequest records a manual payout request awaiting back-office
// approval.
type WithdrawalRequest struct {
	ID          string           `db:"id"`
	UserID      string           `db:"user_id"`
	Amount      decimal.Decimal  `db:"amount"`
	Status      WithdrawalStatus `db:"status"`
	BankDetails string           `db:"bank_details"`
	CreatedAt   time.Time        `db:"created_at"`
}

// AuctionFilter narrows ListAuctions results. Zero values mean "no filter".
type AuctionFilter struct {
	Status    AuctionStatus
	Category  string
	Condition string
	MinPrice  decimal.NullDecimal
	MaxPrice  decimal.NullDecimal
	// Search matches product title or description, case-insensitively.
	Search string
	// OrderBy is one of current_price, end_time, created_at (default).
	OrderBy string
	// Descending reverses the ordering.
	Descending bool
	Limit      int
	Offset     int
}

// AuctionListing is an auction joined with its product for display.
type AuctionListing struct {
	Auction
	Product Product
}

// MyBid annotates an auction the user has bid on with their standing.
type MyBid struct {
	Auction      Auction
	Product      Product
	MyHighestBid decimal.Decimal
}

// Tx exposes the row-locked operations available inside a storage
// transaction. Lock acquisition order is the caller's responsibility.
type Tx interface {
	// WalletForUpdate loads the user's wallet under an exclusive row lock,
	// creating it with zero balances on first reference.
	WalletForUpdate(ctx context.Context, userID string) (*Wallet, error)
	// AuctionForUpdate loads an auction under an exclusive row lock.
	AuctionForUpdate(ctx context.Context, auctionID string) (*Auction, error)
	// ExpiredAuctionsForUpdate loads all ACTIVE auctions with end_time < now
	// under exclusive row locks.
	ExpiredAuctionsForUpdate(ctx context.Context, now time.Time) ([]*Auction, error)
	// ProductOwner returns the owner id of a product.
	ProductOwner(ctx context.Context, productID string) (string, error)
	UpdateWallet(ctx context.Context, w *Wallet) error
	UpdateAuction(ctx context.Context, a *Auction) error
	InsertBid(ctx context.Context, b *BidTransaction) error
	InsertWalletTransaction(ctx context.Context, t *WalletTransaction) error
	InsertWithdrawal(ctx context.Context, r *WithdrawalRequest) error
}

// TxRunner executes a function within one serializable storage transaction.
// On error the transaction is rolled back and nothing is visible.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// UserRepository defines read-only user lookups.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
}

// WalletRepository defines wallet reads outside of transactions.
type WalletRepository interface {
	// GetOrCreate returns the user's wallet, provisioning an empty one on
	// first reference.
	GetOrCreate(ctx context.Context, userID string) (*Wallet, error)
	// Ledger returns the wallet's audit entries, newest first.
	Ledger(ctx context.Context, walletID string) ([]WalletTransaction, error)
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, p *Product, a *Auction) error
	GetByID(ctx context.Context, id string) (*AuctionListing, error)
	Update(ctx context.Context, a *Auction) error
	UpdateProduct(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f AuctionFilter) ([]AuctionListing, error)
}

// BidRepository defines bid log reads.
type BidRepository interface {
	// ListByBidder returns the distinct auctions the user has bid on,
	// newest auction first, with the user's highest bid on each.
	ListByBidder(ctx context.Context, userID string) ([]MyBid, error)
	// ListByAuction returns an auction's bids, highest amount first.
	ListByAuction(ctx context.Context, auctionID string) ([]BidTransaction, error)
}
