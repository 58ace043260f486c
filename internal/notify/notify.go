// Package notify dispatches winner notifications emitted by the auction
// closer. The concrete delivery channel (email, push) lives behind the
// Notifier interface; the dispatcher owns the retry policy.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Notification identifies a finished auction and its winner.
type Notification struct {
	AuctionID string
	WinnerID  string
}

// Notifier delivers a single winner notification. Implementations must be
// safe for concurrent use.
type Notifier interface {
	NotifyWinner(ctx context.Context, n Notification) error
}

// LogNotifier records the notification intent in the log. It stands in for
// the external delivery collaborator.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) NotifyWinner(ctx context.Context, n Notification) error {
	l.Logger.InfoContext(ctx, "winner notification",
		slog.String("auction_id", n.AuctionID),
		slog.String("winner_id", n.WinnerID),
	)
	return nil
}

// Dispatcher delivers notifications asynchronously, retrying with
// exponential backoff up to a bounded number of attempts. Persistent failure
// is logged and dropped; it never blocks or kills the caller.
type Dispatcher struct {
	notifier    Notifier
	logger      *slog.Logger
	maxAttempts int
	wg          sync.WaitGroup

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewDispatcher creates a Dispatcher that attempts delivery at most
// maxAttempts times per notification.
func NewDispatcher(n Notifier, logger *slog.Logger, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		notifier:    n,
		logger:      logger,
		maxAttempts: maxAttempts,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			return bo
		},
	}
}

// Enqueue schedules a notification for delivery and returns immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, n Notification) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, n)
	}()
}

// Wait blocks until all enqueued notifications have been resolved.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	op := func() error {
		return d.notifier.NotifyWinner(ctx, n)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(d.newBackOff(), uint64(d.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		d.logger.ErrorContext(ctx, "winner notification failed",
			slog.String("auction_id", n.AuctionID),
			slog.String("winner_id", n.WinnerID),
			slog.Int("max_attempts", d.maxAttempts),
			slog.Any("error", err),
		)
	}
}
