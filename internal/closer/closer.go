// Package closer implements the periodic sweep that transitions expired
// auctions to FINISHED or EXPIRED and enqueues winner notifications.
package closer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/notify"
	"github.com/staninnat/auctiond/internal/store"
)

// Closer sweeps expired auctions on a fixed interval.
type Closer struct {
	txs        store.TxRunner
	dispatcher *notify.Dispatcher
	clk        clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	interval   time.Duration
}

// New creates a Closer sweeping every interval.
func New(txs store.TxRunner, dispatcher *notify.Dispatcher, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider, interval time.Duration) *Closer {
	return &Closer{
		txs:        txs,
		dispatcher: dispatcher,
		clk:        clk,
		logger:     logger,
		tracer:     tp.Tracer("github.com/staninnat/auctiond/internal/closer"),
		interval:   interval,
	}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and the loop
// continues; the closer never kills the process.
func (c *Closer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.ErrorContext(ctx, "auction sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep closes all expired ACTIVE auctions in one transaction and returns
// how many it transitioned. Re-running on already-closed auctions is a no-op
// because terminal states never match the expiry scan.
func (c *Closer) Sweep(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "Closer.Sweep")
	defer span.End()

	now := c.clk.Now().UTC()
	var closed int
	var winners []notify.Notification

	err := c.txs.InTx(ctx, func(tx store.Tx) error {
		closed = 0
		winners = winners[:0]

		expired, err := tx.ExpiredAuctionsForUpdate(ctx, now)
		if err != nil {
			return fmt.Errorf("scanning expired auctions: %w", err)
		}

		for _, auction := range expired {
			// A price above starting means at least one qualifying bid; the
			// held funds of the winner stay held until payout.
			if auction.CurrentPrice.GreaterThan(auction.StartingPrice) {
				auction.Status = store.StatusFinished
				if auction.WinnerID != nil {
					winners = append(winners, notify.Notification{
						AuctionID: auction.ID,
						WinnerID:  *auction.WinnerID,
					})
				}
			} else {
				auction.Status = store.StatusExpired
			}
			if err := tx.UpdateAuction(ctx, auction); err != nil {
				return fmt.Errorf("closing auction %s: %w", auction.ID, err)
			}
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Side effects only after commit.
	for _, n := range winners {
		c.dispatcher.Enqueue(ctx, n)
	}

	span.SetAttributes(attribute.Int("auctions.closed", closed))
	if closed > 0 {
		c.logger.InfoContext(ctx, "closed expired auctions", slog.Int("count", closed))
	}
	return closed, nil
}
