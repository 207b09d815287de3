// Package worker runs the background loops of the settlement engine: the
// lock sweeper that closes betting on ended markets, the reveal poller that
// drives pending pool decryptions to completion, the cold-storage archiver,
// and the notification relay.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/secretpredictions/engine/internal/domain"
)

// Sweeper locks markets whose end time has passed.
type Sweeper interface {
	SweepEnded(ctx context.Context, batch int) (int, error)
}

// RevealPoller advances outstanding public reveal requests.
type RevealPoller interface {
	PollReveals(ctx context.Context, batch int) (int, error)
}

// Config holds the intervals and batch sizes for the background loops.
type Config struct {
	// SweepInterval is how often the lock sweeper scans for ended markets.
	SweepInterval time.Duration

	// RevealPollInterval is how often pending reveals are polled.
	RevealPollInterval time.Duration

	// ArchiveInterval is how often settled data is archived to cold
	// storage. Zero disables the archiver loop.
	ArchiveInterval time.Duration

	// ArchiveRetention is how long settled markets stay in the primary
	// store before becoming eligible for archival.
	ArchiveRetention time.Duration

	// BatchSize caps how many markets each sweep or poll pass touches.
	BatchSize int
}

// Orchestrator coordinates all background goroutines using an errgroup.
type Orchestrator struct {
	sweeper  Sweeper
	poller   RevealPoller
	archiver domain.Archiver
	relay    *Relay
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. The archiver and relay are
// optional; pass nil to disable the corresponding loop.
func NewOrchestrator(
	sweeper Sweeper,
	poller RevealPoller,
	archiver domain.Archiver,
	relay *Relay,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Orchestrator{
		sweeper:  sweeper,
		poller:   poller,
		archiver: archiver,
		relay:    relay,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run starts all background loops as concurrent goroutines. Each loop
// respects ctx cancellation. If any loop returns a non-context error, the
// errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("worker: orchestrator starting",
		slog.Duration("sweep_interval", o.cfg.SweepInterval),
		slog.Duration("reveal_poll_interval", o.cfg.RevealPollInterval),
		slog.Duration("archive_interval", o.cfg.ArchiveInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.runSweeper(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("lock sweeper: %w", err)
	})

	g.Go(func() error {
		err := o.runRevealPoller(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("reveal poller: %w", err)
	})

	if o.archiver != nil && o.cfg.ArchiveInterval > 0 {
		g.Go(func() error {
			err := o.runArchiver(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if o.relay != nil {
		g.Go(func() error {
			err := o.relay.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("notify relay: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("worker: orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("worker: orchestrator stopped cleanly")
	return nil
}

// runSweeper locks ended markets on a ticker. The first pass runs
// immediately so a restart does not leave markets open past their end time
// for a full interval.
func (o *Orchestrator) runSweeper(ctx context.Context) error {
	o.sweepOnce(ctx)

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.sweepOnce(ctx)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	n, err := o.sweeper.SweepEnded(ctx, o.cfg.BatchSize)
	if err != nil {
		o.logger.ErrorContext(ctx, "worker: sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "worker: locked ended markets", slog.Int("count", n))
	}
}

// runRevealPoller polls outstanding reveal requests on a ticker.
func (o *Orchestrator) runRevealPoller(ctx context.Context) error {
	o.pollOnce(ctx)

	ticker := time.NewTicker(o.cfg.RevealPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.pollOnce(ctx)
		}
	}
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	n, err := o.poller.PollReveals(ctx, o.cfg.BatchSize)
	if err != nil {
		o.logger.ErrorContext(ctx, "worker: reveal poll failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "worker: completed reveals", slog.Int("count", n))
	}
}

// runArchiver uploads settled markets and claims to cold storage on a
// ticker. Unlike the other loops it does not run immediately on start, so a
// crash-looping process cannot hammer the object store.
func (o *Orchestrator) runArchiver(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.archiveOnce(ctx)
		}
	}
}

func (o *Orchestrator) archiveOnce(ctx context.Context) {
	before := o.now().UTC().Add(-o.cfg.ArchiveRetention)

	markets, err := o.archiver.ArchiveMarkets(ctx, before)
	if err != nil {
		o.logger.ErrorContext(ctx, "worker: market archive failed", slog.String("error", err.Error()))
	}
	claims, err := o.archiver.ArchiveClaims(ctx, before)
	if err != nil {
		o.logger.ErrorContext(ctx, "worker: claim archive failed", slog.String("error", err.Error()))
	}

	if markets > 0 || claims > 0 {
		o.logger.InfoContext(ctx, "worker: archived settled data",
			slog.Int64("markets", markets),
			slog.Int64("claims", claims),
		)
	}
}
