// Package arbiter implements the bid arbitration core: the transactional
// procedures that serialize bid attempts per auction, move funds between
// available and held balances, refund the previously leading bidder, and
// append the immutable bid log.
//
// All money movement happens inside one serializable storage transaction.
// Locks are always taken wallet first, then auction, then the previous
// winner's wallet, which eliminates the wallet/auction deadlock class.
package arbiter

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

// Errors returned by arbitration operations.
var (
	ErrInvalidAmount     = errors.New("bid amount must be a positive price with at most two decimal places")
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrAuctionNotActive  = errors.New("auction is not active")
	ErrAuctionEnded      = errors.New("auction has expired")
	ErrOwnerBid          = errors.New("cannot bid on your own auction")
	ErrBidTooLow         = errors.New("bid amount must be higher than current price")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoBuyNow          = errors.New("auction has no buy-now price")
	ErrTimeout           = errors.New("timeout")
	ErrUnavailable       = errors.New("service unavailable")
)

// maxAmount bounds prices to fixed-point (12,2): ten integer digits.
var maxAmount = decimal.New(1, 10)

// Bidder identifies the authenticated user placing a bid.
type Bidder struct {
	ID       string
	Username string
}

// BidResult reports a committed bid back to the gateway.
type BidResult struct {
	AuctionID      string
	NewPrice       decimal.Decimal
	NewBalance     decimal.Decimal
	BidderID       string
	BidderUsername string
	Timestamp      time.Time
}

// Arbiter serializes bid attempts through the storage engine's row locks.
type Arbiter struct {
	txs        store.TxRunner
	clk        clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	bidTimeout time.Duration
}

// New creates an Arbiter. bidTimeout is the per-call deadline for one bid
// transaction.
func New(txs store.TxRunner, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider, bidTimeout time.Duration) *Arbiter {
	return &Arbiter{
		txs:        txs,
		clk:        clk,
		logger:     logger,
		tracer:     tp.Tracer("github.com/staninnat/auctiond/internal/arbiter"),
		bidTimeout: bidTimeout,
	}
}

// PlaceBid attempts to place amount on the auction for bidder. On success the
// bidder's funds are held, the previous winner (if any) is refunded, a bid
// log entry is appended and the auction's current price and winner advance —
// all atomically, or not at all.
func (a *Arbiter) PlaceBid(ctx context.Context, auctionID string, bidder Bidder, amount decimal.Decimal) (*BidResult, error) {
	ctx, span := a.tracer.Start(ctx, "Arbiter.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidder.ID),
			attribute.String("bid.amount", amount.String()),
		),
	)
	defer span.End()

	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, a.bidTimeout)
	defer cancel()

	var result *BidResult
	err := a.txs.InTx(ctx, func(tx store.Tx) error {
		// Wallet lock first, auction second. Always.
		wallet, err := tx.WalletForUpdate(ctx, bidder.ID)
		if err != nil {
			return fmt.Errorf("locking bidder wallet: %w", err)
		}

		auction, err := tx.AuctionForUpdate(ctx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAuctionNotFound
		}
		if err != nil {
			return fmt.Errorf("locking auction: %w", err)
		}

		// Preconditions re-validated under the locks; state may have
		// advanced since the client looked.
		now := a.clk.Now().UTC()
		if auction.Status != store.StatusActive {
			return ErrAuctionNotActive
		}
		if !now.Before(auction.EndTime) {
			return ErrAuctionEnded
		}
		owner, err := tx.ProductOwner(ctx, auction.ProductID)
		if err != nil {
			return fmt.Errorf("resolving auction owner: %w", err)
		}
		if owner == bidder.ID {
			return ErrOwnerBid
		}
		if !amount.GreaterThan(auction.CurrentPrice) {
			return fmt.Errorf("%w (%s)", ErrBidTooLow, auction.CurrentPrice.StringFixed(2))
		}
		if wallet.Balance.LessThan(amount) {
			return fmt.Errorf("%w: balance %s", ErrInsufficientFunds, wallet.Balance.StringFixed(2))
		}

		if err := a.releasePriorHold(ctx, tx, auction, wallet); err != nil {
			return err
		}

		wallet.Balance = wallet.Balance.Sub(amount)
		wallet.HeldBalance = wallet.HeldBalance.Add(amount)
		if err := tx.InsertWalletTransaction(ctx, &store.WalletTransaction{
			WalletID:    wallet.ID,
			Type:        store.TxBidHold,
			Amount:      amount,
			ReferenceID: auction.ID,
		}); err != nil {
			return fmt.Errorf("recording bid hold: %w", err)
		}
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return fmt.Errorf("updating bidder wallet: %w", err)
		}

		if err := tx.InsertBid(ctx, &store.BidTransaction{
			AuctionID: auction.ID,
			BidderID:  bidder.ID,
			Amount:    amount,
		}); err != nil {
			return fmt.Errorf("appending bid log: %w", err)
		}

		auction.CurrentPrice = amount
		winnerID := bidder.ID
		auction.WinnerID = &winnerID
		if err := tx.UpdateAuction(ctx, auction); err != nil {
			return fmt.Errorf("updating auction: %w", err)
		}

		result = &BidResult{
			AuctionID:      auction.ID,
			NewPrice:       amount,
			NewBalance:     wallet.Balance,
			BidderID:       bidder.ID,
			BidderUsername: bidder.Username,
			Timestamp:      now,
		}
		return nil
	})
	if err != nil {
		return nil, a.classify(ctx, err)
	}

	a.logger.InfoContext(ctx, "bid placed",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidder.ID),
		slog.String("amount", amount.StringFixed(2)),
	)
	return result, nil
}

// BuyNow immediately finishes the auction at its buy-now price. The previous
// winner is refunded, the buyer's funds move to held pending the seller
// payout step, and the auction freezes FINISHED with end_time = now.
func (a *Arbiter) BuyNow(ctx context.Context, auctionID string, bidder Bidder) (*BidResult, error) {
	ctx, span := a.tracer.Start(ctx, "Arbiter.BuyNow",
		trace.WithAttributes(
			attribute.String("auction.id", auctionID),
			attribute.String("bidder.id", bidder.ID),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.bidTimeout)
	defer cancel()

	var result *BidResult
	err := a.txs.InTx(ctx, func(tx store.Tx) error {
		wallet, err := tx.WalletForUpdate(ctx, bidder.ID)
		if err != nil {
			return fmt.Errorf("locking buyer wallet: %w", err)
		}

		auction, err := tx.AuctionForUpdate(ctx, auctionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrAuctionNotFound
		}
		if err != nil {
			return fmt.Errorf("locking auction: %w", err)
		}

		if auction.Status != store.StatusActive {
			return ErrAuctionNotActive
		}
		if !auction.BuyNowPrice.Valid {
			return ErrNoBuyNow
		}
		price := auction.BuyNowPrice.Decimal
		owner, err := tx.ProductOwner(ctx, auction.ProductID)
		if err != nil {
			return fmt.Errorf("resolving auction owner: %w", err)
		}
		if owner == bidder.ID {
			return ErrOwnerBid
		}
		if wallet.Balance.LessThan(price) {
			return fmt.Errorf("%w: balance %s", ErrInsufficientFunds, wallet.Balance.StringFixed(2))
		}

		if err := a.releasePriorHold(ctx, tx, auction, wallet); err != nil {
			return err
		}

		wallet.Balance = wallet.Balance.Sub(price)
		wallet.HeldBalance = wallet.HeldBalance.Add(price)
		if err := tx.InsertWalletTransaction(ctx, &store.WalletTransaction{
			WalletID:    wallet.ID,
			Type:        store.TxPayment,
			Amount:      price,
			ReferenceID: auction.ID,
		}); err != nil {
			return fmt.Errorf("recording payment: %w", err)
		}
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return fmt.Errorf("updating buyer wallet: %w", err)
		}

		if err := tx.InsertBid(ctx, &store.BidTransaction{
			AuctionID: auction.ID,
			BidderID:  bidder.ID,
			Amount:    price,
		}); err != nil {
			return fmt.Errorf("appending bid log: %w", err)
		}

		now := a.clk.Now().UTC()
		auction.Status = store.StatusFinished
		auction.CurrentPrice = price
		winnerID := bidder.ID
		auction.WinnerID = &winnerID
		auction.EndTime = now
		if err := tx.UpdateAuction(ctx, auction); err != nil {
			return fmt.Errorf("updating auction: %w", err)
		}

		result = &BidResult{
			AuctionID:      auction.ID,
			NewPrice:       price,
			NewBalance:     wallet.Balance,
			BidderID:       bidder.ID,
			BidderUsername: bidder.Username,
			Timestamp:      now,
		}
		return nil
	})
	if err != nil {
		return nil, a.classify(ctx, err)
	}

	a.logger.InfoContext(ctx, "buy-now executed",
		slog.String("auction_id", auctionID),
		slog.String("bidder_id", bidder.ID),
	)
	return result, nil
}

// releasePriorHold refunds the current winner's held funds. When the bidder
// is raising their own winning bid the release lands on the wallet already
// locked, so no third lock is taken and the net effect is a delta move.
func (a *Arbiter) releasePriorHold(ctx context.Context, tx store.Tx, auction *store.Auction, bidderWallet *store.Wallet) error {
	if auction.WinnerID == nil {
		return nil
	}
	prior := auction.CurrentPrice

	prev := bidderWallet
	if *auction.WinnerID != bidderWallet.UserID {
		var err error
		prev, err = tx.WalletForUpdate(ctx, *auction.WinnerID)
		if err != nil {
			return fmt.Errorf("locking previous winner wallet: %w", err)
		}
	}

	prev.HeldBalance = prev.HeldBalance.Sub(prior)
	prev.Balance = prev.Balance.Add(prior)
	if err := tx.InsertWalletTransaction(ctx, &store.WalletTransaction{
		WalletID:    prev.ID,
		Type:        store.TxBidRelease,
		Amount:      prior,
		ReferenceID: auction.ID,
	}); err != nil {
		return fmt.Errorf("recording bid release: %w", err)
	}
	if prev != bidderWallet {
		if err := tx.UpdateWallet(ctx, prev); err != nil {
			return fmt.Errorf("updating previous winner wallet: %w", err)
		}
	}
	return nil
}

// classify maps low-level failures onto the caller-facing taxonomy.
func (a *Arbiter) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, store.ErrTransient):
		a.logger.WarnContext(ctx, "bid transaction gave up after retries", slog.Any("error", err))
		return ErrUnavailable
	}
	if isDomainErr(err) {
		return err
	}
	a.logger.ErrorContext(ctx, "bid transaction failed", slog.Any("error", err))
	return fmt.Errorf("internal error: %w", err)
}

func isDomainErr(err error) bool {
	for _, domain := range []error{
		ErrInvalidAmount, ErrAuctionNotFound, ErrAuctionNotActive, ErrAuctionEnded,
		ErrOwnerBid, ErrBidTooLow, ErrInsufficientFunds, ErrNoBuyNow,
	} {
		if errors.Is(err, domain) {
			return true
		}
	}
	return false
}

// validAmount reports whether amount is a positive fixed-point (12,2) price.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Exponent() >= -2 && amount.LessThan(maxAmount)
}

// UserMessage renders an arbitration error as a short client-safe string.
func UserMessage(err error) string {
	if isDomainErr(err) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) {
		return err.Error()
	}
	return "internal error"
}
