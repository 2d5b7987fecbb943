package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/wagermesh/wagerd/internal/domain"
	"github.com/wagermesh/wagerd/internal/ledger"
	"github.com/wagermesh/wagerd/internal/rules"
	"github.com/wagermesh/wagerd/internal/server"
	"github.com/wagermesh/wagerd/internal/server/handler"
	"github.com/wagermesh/wagerd/internal/server/ws"
	"github.com/wagermesh/wagerd/internal/service"
)

// ServeMode runs the confirmation API and the per-market push stream.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startAPI(ctx, g, deps); err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}
	return g.Wait()
}

// ArchiveMode runs one retention pass and exits. It is intended for cron.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: retention is disabled in config")
	}
	retention := service.NewRetentionService(deps.Archiver, a.retentionPolicy(), a.logger)
	retention.RunOnce(ctx)
	return nil
}

// FullMode runs the API plus the background retention loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startAPI(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	if deps.Archiver != nil {
		retention := service.NewRetentionService(deps.Archiver, a.retentionPolicy(), a.logger)
		g.Go(func() error {
			return retention.Run(ctx)
		})
	}

	return g.Wait()
}

// startAPI builds the verifier, services, hub, and HTTP server, and adds
// their goroutines to the errgroup. The server is shut down gracefully when
// the context is cancelled.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	reader, err := ledger.NewEthReader(ctx, a.cfg.Ledger.RPCURL, a.cfg.Ledger.CallTimeout.Duration)
	if err != nil {
		return fmt.Errorf("start api: chain reader: %w", err)
	}
	a.closers = append(a.closers, reader.Close)

	verifier := ledger.NewVerifier(reader, common.HexToAddress(a.cfg.Ledger.ContractAddress))

	betSvc := service.NewBetService(
		verifier,
		deps.LockManager,
		deps.MarketStore,
		deps.BetStore,
		deps.FlagStore,
		deps.SignalBus,
		a.limits(),
		a.logger,
	)
	if deps.Notifier != nil {
		betSvc.WithNotifier(deps.Notifier)
	}

	marketSvc := service.NewMarketService(deps.MarketStore, deps.SnapshotStore, deps.MarketCache, a.logger)

	hub := ws.NewHub(deps.MarketStore, deps.SnapshotStore, ws.Config{
		PollInterval:      a.cfg.Stream.PollInterval.Duration,
		HeartbeatInterval: a.cfg.Stream.HeartbeatInterval.Duration,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.healthProbes(deps), a.logger),
		Bets:    handler.NewBetHandler(betSvc, a.logger),
		Markets: handler.NewMarketHandler(marketSvc, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		},
		handlers,
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return nil
}

// healthProbes maps dependency names to liveness checks for /api/health.
func (a *App) healthProbes(deps *Dependencies) map[string]handler.Pinger {
	probes := map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(ctx context.Context) error {
			return deps.PG.Pool().Ping(ctx)
		}),
	}
	if deps.Redis != nil {
		probes["redis"] = handler.PingFunc(deps.Redis.Ping)
	}
	if deps.Blob != nil {
		probes["s3"] = handler.PingFunc(deps.Blob.Health)
	}
	return probes
}

// limits converts the whole-token config bounds into the micro-token policy
// the rule engine evaluates.
func (a *App) limits() rules.Limits {
	l := a.cfg.Limits
	return rules.Limits{
		MinBet:            l.MinBetTokens * domain.MicroPerToken,
		MaxBet:            l.MaxBetTokens * domain.MicroPerToken,
		Cooldown:          l.Cooldown.Duration,
		MaxBetsPerMarket:  l.MaxBetsPerMarket,
		MaxPoolShareBps:   l.MaxPoolShareBps,
		BootstrapCeiling:  l.BootstrapCeilingTokens * domain.MicroPerToken,
		VelocityWindow:    l.VelocityWindow.Duration,
		MaxBetsPerWindow:  l.MaxBetsPerWindow,
		RequireWholeUnits: l.RequireWholeUnits,
	}
}

func (a *App) retentionPolicy() service.RetentionPolicy {
	return service.RetentionPolicy{
		SnapshotKeep: a.cfg.Retention.SnapshotKeep,
		AuditAge:     a.cfg.Retention.AuditAge.Duration,
		Interval:     a.cfg.Retention.Interval.Duration,
	}
}
