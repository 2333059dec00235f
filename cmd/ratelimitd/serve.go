package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthCheckInterval = 10 * time.Second
	resubscribeDelay    = 5 * time.Second
)

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx)
}

// run serves until ctx is done or a server fails.
func (a *app) run(ctx context.Context) error {
	proxy, err := a.proxyHandler()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	srv := a.cfg.Server

	serveHTTP(ctx, g, "proxy", srv.Listen, proxy, srv.ShutdownTimeout)
	if srv.Admin != "" {
		serveHTTP(ctx, g, "admin", srv.Admin, a.admin.Handler(), srv.ShutdownTimeout)
	}
	if srv.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		serveHTTP(ctx, g, "metrics", srv.Metrics, mux, srv.ShutdownTimeout)
	}
	if srv.GRPC != "" {
		a.serveHealth(ctx, g, srv.GRPC)
	}

	g.Go(func() error { a.buckets.Run(ctx, srv.SweepInterval); return nil })
	g.Go(func() error { a.risk.Window().Run(ctx, srv.SweepInterval); return nil })
	g.Go(func() error { a.risk.Run(ctx, srv.CleanupInterval); return nil })
	if a.bus != nil {
		g.Go(func() error { a.listenCommands(ctx); return nil })
	}
	if a.cfg.Audit.SQL && a.cfg.Audit.Retention > 0 && srv.CleanupInterval > 0 {
		g.Go(func() error { a.purgeBlockLog(ctx); return nil })
	}

	log.Info().Str("listen", srv.Listen).Str("upstream", srv.Upstream).
		Str("statistics", a.cfg.Storage.Statistics).Str("buckets", a.cfg.Limiter.StorageType).
		Msg("rate limiting proxy started")
	err = g.Wait()
	log.Info().Msg("rate limiting proxy stopped")
	return err
}

func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler, shutdownTimeout time.Duration) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("server", name).Str("addr", addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("server", name).Msg("graceful shutdown failed")
		}
		return nil
	})
}

// serveHealth exposes grpc.health.v1 and tracks redis reachability.
func (a *app) serveHealth(ctx context.Context, g *errgroup.Group, addr string) {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	g.Go(func() error {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Info().Str("server", "grpc").Str("addr", addr).Msg("listening")
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		hs.Shutdown()
		server.GracefulStop()
		return nil
	})
	if a.rdb == nil {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		serving := true
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				err := a.rdb.Ping(ctx).Err()
				switch {
				case err != nil && serving:
					log.Error().Err(err).Msg("redis unreachable, reporting not serving")
					hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
					serving = false
				case err == nil && !serving:
					log.Info().Msg("redis reachable again, reporting serving")
					hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
					serving = true
				}
			}
		}
	})
}

func (a *app) purgeBlockLog(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Server.CleanupInterval)
	defer ticker.Stop()
	blockLog := a.db.BlockLog()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := blockLog.Purge(ctx, time.Now().Add(-a.cfg.Audit.Retention))
			if err != nil {
				log.Error().Err(err).Msg("failed to purge block log")
				continue
			}
			log.Debug().Int64("removed", n).Msg("block log purged")
		}
	}
}

// listenCommands applies operator commands issued on other nodes,
// resubscribing after a lost connection.
func (a *app) listenCommands(ctx context.Context) {
	for {
		err := a.bus.Listen(ctx, a.admin.HandleCommand)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Dur("retry_in", resubscribeDelay).Msg("command bus subscription failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}
