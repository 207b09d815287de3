package app

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/secretpredictions/engine/internal/server"
	"github.com/secretpredictions/engine/internal/server/handler"
	"github.com/secretpredictions/engine/internal/server/ws"
	"github.com/secretpredictions/engine/internal/service"
	"github.com/secretpredictions/engine/internal/worker"
)

// shutdownTimeout bounds how long in-flight HTTP requests may run after the
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// services bundles the three domain services shared by the server and
// worker surfaces.
type services struct {
	markets    *service.MarketService
	ledger     *service.LedgerService
	settlement *service.SettlementService
}

// buildServices constructs the domain services on top of the wired
// dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	events := service.NewEventPublisher(deps.SignalBus, a.logger)

	return &services{
		markets: service.NewMarketService(
			deps.MarketStore, deps.MarketCache, deps.LockManager,
			deps.AuditStore, deps.FHE, events, a.logger,
		),
		ledger: service.NewLedgerService(
			deps.MarketStore, deps.PositionStore, deps.MarketCache,
			deps.LockManager, deps.AuditStore, deps.FHE, deps.Verifier,
			events, a.logger,
		),
		settlement: service.NewSettlementService(
			deps.MarketStore, deps.PositionStore, deps.MarketCache,
			deps.RevealCache, deps.LockManager, deps.AuditStore,
			deps.FHE, events, a.logger, a.cfg.Market.FeeBps,
		),
	}
}

// ServerMode runs the HTTP API and WebSocket hub only. Background sweeps,
// reveal polling, and archival are expected to run in a separate worker
// deployment.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// WorkerMode runs the background loops only.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// FullMode runs the HTTP API and the background loops in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs := a.buildServices(deps)

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, svcs)
	}
	if a.cfg.Worker.Enabled {
		a.startWorkers(ctx, g, deps, svcs)
	}
	return g.Wait()
}

// startServer registers the HTTP server and WebSocket hub on the errgroup.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	var admin common.Address
	if a.cfg.Market.AdminAddress != "" {
		admin = common.HexToAddress(a.cfg.Market.AdminAddress)
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(a.logger),
		Markets:     handler.NewMarketHandler(svcs.markets, deps.Verifier, admin, a.logger),
		Bets:        handler.NewBetHandler(svcs.ledger, a.logger),
		Settlement:  handler.NewSettlementHandler(svcs.settlement, a.logger),
		Positions:   handler.NewPositionHandler(deps.PositionStore, svcs.ledger, a.logger),
		Ciphertexts: handler.NewCiphertextHandler(deps.FHE, a.logger),
		Events:      handler.NewEventsHandler(deps.SignalBus, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startWorkers registers the background orchestrator on the errgroup.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	var relay *worker.Relay
	if deps.Notifier != nil {
		relay = worker.NewRelay(deps.SignalBus, deps.Notifier, a.logger)
	}

	archiveInterval := a.cfg.Worker.ArchiveInterval.Duration
	if deps.Archiver == nil {
		archiveInterval = 0
	}

	orch := worker.NewOrchestrator(
		svcs.markets,
		svcs.settlement,
		deps.Archiver,
		relay,
		worker.Config{
			SweepInterval:      a.cfg.Worker.SweepInterval.Duration,
			RevealPollInterval: a.cfg.Worker.RevealPollInterval.Duration,
			ArchiveInterval:    archiveInterval,
			ArchiveRetention:   time.Duration(a.cfg.Worker.ArchiveRetentionDays) * 24 * time.Hour,
			BatchSize:          a.cfg.Worker.BatchSize,
		},
		a.logger,
	)

	g.Go(func() error {
		return orch.Run(ctx)
	})
}
