// Package catalog implements the supporting auction operations around the
// arbitration core: creating and publishing listings, draft edits, browse
// queries, the bidder dashboard, and wallet bookkeeping for deposits and
// withdrawal requests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/store"
)

// Errors returned by catalog operations.
var (
	ErrNotFound          = errors.New("auction not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// UserStatus is a bidder's standing on one auction.
type UserStatus string

const (
	StatusGuest   UserStatus = "GUEST"
	StatusNoBid   UserStatus = "NO_BID"
	StatusWinning UserStatus = "WINNING"
	StatusOutbid  UserStatus = "OUTBID"
)

// AuctionInput carries the owner-editable fields of a listing.
type AuctionInput struct {
	Title         string
	Description   string
	Category      string
	Condition     string
	ImageURL      *string
	StartTime     time.Time
	EndTime       time.Time
	StartingPrice decimal.Decimal
	BuyNowPrice   decimal.NullDecimal
}

// MyBidView is a dashboard row: an auction the user has bid on, annotated
// with their highest bid and standing.
type MyBidView struct {
	Auction      store.Auction
	Product      store.Product
	MyHighestBid decimal.Decimal
	UserStatus   UserStatus
}

// Service exposes the catalog operations.
type Service struct {
	repos  *store.Repositories
	clk    clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a catalog Service.
func New(repos *store.Repositories, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider) *Service {
	return &Service{
		repos:  repos,
		clk:    clk,
		logger: logger,
		tracer: tp.Tracer("github.com/staninnat/auctiond/internal/catalog"),
	}
}

func validateInput(in AuctionInput) error {
	switch {
	case in.Title == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case !in.EndTime.After(in.StartTime):
		return fmt.Errorf("%w: end time must be after start time", ErrValidation)
	case !in.StartingPrice.IsPositive():
		return fmt.Errorf("%w: starting price must be positive", ErrValidation)
	case in.BuyNowPrice.Valid && !in.BuyNowPrice.Decimal.GreaterThan(in.StartingPrice):
		return fmt.Errorf("%w: buy-now price must exceed starting price", ErrValidation)
	}
	return nil
}

// CreateAuction creates a DRAFT listing with current price pinned to the
// starting price.
func (s *Service) CreateAuction(ctx context.Context, ownerID string, in AuctionInput) (*store.AuctionListing, error) {
	ctx, span := s.tracer.Start(ctx, "Catalog.CreateAuction",
		trace.WithAttributes(attribute.String("owner.id", ownerID)),
	)
	defer span.End()

	if err := validateInput(in); err != nil {
		return nil, err
	}

	p := store.Product{
		OwnerID:     ownerID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Condition:   in.Condition,
		ImageURL:    in.ImageURL,
	}
	a := store.Auction{
		Status:        store.StatusDraft,
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
		StartingPrice: in.StartingPrice,
		BuyNowPrice:   in.BuyNowPrice,
		CurrentPrice:  in.StartingPrice,
	}
	if err := s.repos.Auctions.Create(ctx, &p, &a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	s.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("owner_id", ownerID),
	)
	return &store.AuctionListing{Auction: a, Product: p}, nil
}

// loadOwned fetches an auction and checks the caller owns it.
func (s *Service) loadOwned(ctx context.Context, auctionID, callerID string) (*store.AuctionListing, error) {
	listing, err := s.repos.Auctions.GetByID(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}
	if listing.Product.OwnerID != callerID {
		return nil, ErrPermissionDenied
	}
	return listing, nil
}

// UpdateAuction rewrites a DRAFT listing's fields. Published auctions are
// immutable through this path.
func (s *Service) UpdateAuction(ctx context.Context, auctionID, callerID string, in AuctionInput) error {
	ctx, span := s.tracer.Start(ctx, "Catalog.UpdateAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	listing, err := s.loadOwned(ctx, auctionID, callerID)
	if err != nil {
		return err
	}
	if listing.Status != store.StatusDraft {
		return fmt.Errorf("%w: only draft auctions can be edited", ErrValidation)
	}
	if err := validateInput(in); err != nil {
		return err
	}

	p := listing.Product
	p.Title = in.Title
	p.Description = in.Description
	p.Category = in.Category
	p.Condition = in.Condition
	p.ImageURL = in.ImageURL
	if err := s.repos.Auctions.UpdateProduct(ctx, &p); err != nil {
		return fmt.Errorf("updating product: %w", err)
	}

	a := listing.Auction
	a.StartTime = in.StartTime
	a.EndTime = in.EndTime
	a.StartingPrice = in.StartingPrice
	a.BuyNowPrice = in.BuyNowPrice
	a.CurrentPrice = in.StartingPrice
	if err := s.repos.Auctions.Update(ctx, &a); err != nil {
		return fmt.Errorf("updating auction: %w", err)
	}
	return nil
}

// DeleteAuction removes a DRAFT listing.
func (s *Service) DeleteAuction(ctx context.Context, auctionID, callerID string) error {
	ctx, span := s.tracer.Start(ctx, "Catalog.DeleteAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	listing, err := s.loadOwned(ctx, auctionID, callerID)
	if err != nil {
		return err
	}
	if listing.Status != store.StatusDraft {
		return fmt.Errorf("%w: only draft auctions can be deleted", ErrValidation)
	}
	if err := s.repos.Auctions.Delete(ctx, auctionID); err != nil {
		return fmt.Errorf("deleting auction: %w", err)
	}
	return nil
}

// PublishAuction transitions a DRAFT listing to ACTIVE.
func (s *Service) PublishAuction(ctx context.Context, auctionID, callerID string) error {
	ctx, span := s.tracer.Start(ctx, "Catalog.PublishAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	listing, err := s.loadOwned(ctx, auctionID, callerID)
	if err != nil {
		return err
	}
	if listing.Status != store.StatusDraft {
		return fmt.Errorf("%w: only draft auctions can be published", ErrValidation)
	}
	if !listing.EndTime.After(s.clk.Now()) {
		return fmt.Errorf("%w: end time is in the past", ErrValidation)
	}

	a := listing.Auction
	a.Status = store.StatusActive
	if err := s.repos.Auctions.Update(ctx, &a); err != nil {
		return fmt.Errorf("publishing auction: %w", err)
	}

	s.logger.InfoContext(ctx, "auction published", slog.String("auction_id", auctionID))
	return nil
}

// CancelAuction cancels a DRAFT or ACTIVE listing that has received no
// bids. The check and the transition share one transaction so a concurrent
// bid cannot slip in between.
func (s *Service) CancelAuction(ctx context.Context, auctionID, callerID string) error {
	ctx, span := s.tracer.Start(ctx, "Catalog.CancelAuction",
		trace.WithAttributes(attribute.String("auction.id", auctionID)),
	)
	defer span.End()

	return s.repos.Txs.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.AuctionForUpdate(ctx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking auction: %w", err)
		}
		owner, err := tx.ProductOwner(ctx, a.ProductID)
		if err != nil {
			return fmt.Errorf("resolving owner: %w", err)
		}
		if owner != callerID {
			return ErrPermissionDenied
		}
		if a.Status != store.StatusDraft && a.Status != store.StatusActive {
			return fmt.Errorf("%w: auction is already closed", ErrValidation)
		}
		if a.WinnerID != nil {
			return fmt.Errorf("%w: auction already has bids", ErrValidation)
		}

		a.Status = store.StatusCancelled
		if err := tx.UpdateAuction(ctx, a); err != nil {
			return fmt.Errorf("cancelling auction: %w", err)
		}
		return nil
	})
}

// GetAuction returns one listing with its product.
func (s *Service) GetAuction(ctx context.Context, auctionID string) (*store.AuctionListing, error) {
	listing, err := s.repos.Auctions.GetByID(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return listing, err
}

// ListAuctions returns published listings. Drafts are never listed, even if
// the caller filters for them.
func (s *Service) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]store.AuctionListing, error) {
	if f.Status == store.StatusDraft {
		return nil, fmt.Errorf("%w: draft auctions are not listable", ErrValidation)
	}
	return s.repos.Auctions.List(ctx, f)
}

// ListMyBids returns the distinct auctions the user has bid on, newest
// first, annotated with the user's highest bid and standing. WINNING means
// their highest bid still matches the current price.
func (s *Service) ListMyBids(ctx context.Context, userID string) ([]MyBidView, error) {
	ctx, span := s.tracer.Start(ctx, "Catalog.ListMyBids",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrPermissionDenied)
	}

	mine, err := s.repos.Bids.ListByBidder(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}

	views := make([]MyBidView, 0, len(mine))
	for _, m := range mine {
		status := StatusOutbid
		if m.MyHighestBid.GreaterThanOrEqual(m.Auction.CurrentPrice) {
			status = StatusWinning
		}
		views = append(views, MyBidView{
			Auction:      m.Auction,
			Product:      m.Product,
			MyHighestBid: m.MyHighestBid,
			UserStatus:   status,
		})
	}
	return views, nil
}

// AuctionUserStatus reports the caller's standing on one auction: GUEST for
// anonymous callers, NO_BID when they never bid, WINNING while their highest
// bid still matches the current price, OUTBID otherwise.
func (s *Service) AuctionUserStatus(ctx context.Context, auctionID, userID string) (UserStatus, error) {
	if userID == "" {
		return StatusGuest, nil
	}

	bids, err := s.repos.Bids.ListByAuction(ctx, auctionID)
	if err != nil {
		return "", fmt.Errorf("listing auction bids: %w", err)
	}

	var highest decimal.Decimal
	var found bool
	for _, b := range bids {
		if b.BidderID != userID {
			continue
		}
		if !found || b.Amount.GreaterThan(highest) {
			highest = b.Amount
			found = true
		}
	}
	if !found {
		return StatusNoBid, nil
	}

	listing, err := s.GetAuction(ctx, auctionID)
	if err != nil {
		return "", err
	}
	if highest.GreaterThanOrEqual(listing.CurrentPrice) {
		return StatusWinning, nil
	}
	return StatusOutbid, nil
}

// Wallet returns the user's wallet, provisioning it on first reference.
func (s *Service) Wallet(ctx context.Context, userID string) (*store.Wallet, error) {
	return s.repos.Wallets.GetOrCreate(ctx, userID)
}

// CreditDeposit credits a completed top-up reported by the payment gateway
// and books the DEPOSIT audit entry, atomically.
func (s *Service) CreditDeposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) error {
	ctx, span := s.tracer.Start(ctx, "Catalog.CreditDeposit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("amount", amount.String()),
		),
	)
	defer span.End()

	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive", ErrValidation)
	}

	err := s.repos.Txs.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("locking wallet: %w", err)
		}
		w.Balance = w.Balance.Add(amount)
		if err := tx.InsertWalletTransaction(ctx, &store.WalletTransaction{
			WalletID:    w.ID,
			Type:        store.TxDeposit,
			Amount:      amount,
			ReferenceID: reference,
		}); err != nil {
			return fmt.Errorf("recording deposit: %w", err)
		}
		return tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "deposit credited",
		slog.String("user_id", userID),
		slog.String("amount", amount.StringFixed(2)),
	)
	return nil
}

// RequestWithdrawal records a manual payout request and locks the amount
// out of the available balance until the back office resolves it.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, bankDetails string) (*store.WithdrawalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "Catalog.RequestWithdrawal",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", ErrValidation)
	}

	req := &store.WithdrawalRequest{
		UserID:      userID,
		Amount:      amount,
		Status:      store.WithdrawalPending,
		BankDetails: bankDetails,
	}
	err := s.repos.Txs.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("locking wallet: %w", err)
		}
		if w.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s", ErrInsufficientFunds, w.Balance.StringFixed(2))
		}

		if err := tx.InsertWithdrawal(ctx, req); err != nil {
			return err
		}

		w.Balance = w.Balance.Sub(amount)
		w.HeldBalance = w.HeldBalance.Add(amount)
		if err := tx.InsertWalletTransaction(ctx, &store.WalletTransaction{
			WalletID:    w.ID,
			Type:        store.TxWithdraw,
			Amount:      amount,
			ReferenceID: req.ID,
		}); err != nil {
			return fmt.Errorf("recording withdrawal hold: %w", err)
		}
		return tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}
