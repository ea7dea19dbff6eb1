package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/0gfoundation/0g-inference-settlement/internal/config"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/signer"
)

const (
	shutdownTimeout = 15 * time.Second
	healthRefresh   = 5 * time.Second
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, _ := zap.NewProduction()
			defer log.Sync() //nolint:errcheck

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// ── Host key ──────────────────────────────────────────────────────────────
	hk, err := signer.Get(signer.Source{
		PrivateKeyHex:    cfg.Signer.PrivateKey,
		KeystorePath:     cfg.Signer.KeystorePath,
		KeystorePassword: cfg.Signer.KeystorePassword,
	})
	if err != nil {
		return err
	}
	log.Info("host key loaded", zap.String("address", hk.Address.Hex()))

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	// ── Ledger clients, one per chain ─────────────────────────────────────────
	ledgers, err := dialLedgers(ctx, cfg, hk, log)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg, rdb, ledgers, hk.Key, log)
	if err != nil {
		return err
	}
	if err := a.restore(ctx, log); err != nil {
		return err
	}

	// ── Listeners ─────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.health.Serve(grpcLis) })
	g.Go(func() error { a.health.Run(gctx, healthRefresh); return nil })
	g.Go(func() error {
		a.lifecycle.RunIdleSweeper(gctx, cfg.Session.SweepInterval(), cfg.Session.IdleTimeout())
		return nil
	})
	g.Go(func() error { return a.queue.Run(gctx, a.lifecycle) })
	for _, m := range a.monitors {
		m := m
		g.Go(func() error { return m.Run(gctx) })
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var result *multierror.Error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
		}
		a.health.Stop()
		return result.ErrorOrNil()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutdown complete")
	return err
}

func dialLedgers(ctx context.Context, cfg *config.Config, hk *signer.HostKey, log *zap.Logger) ([]*ledger.Client, error) {
	chainCfgs, err := cfg.ChainConfigs()
	if err != nil {
		return nil, err
	}
	opts := ledger.Options{
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout(),
		PollInterval:   cfg.Ledger.PollInterval(),
		RateLimit:      rate.Limit(cfg.Ledger.RateLimit),
		RateBurst:      cfg.Ledger.RateBurst,
	}
	var result *multierror.Error
	out := make([]*ledger.Client, 0, len(chainCfgs))
	for _, cc := range chainCfgs {
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		c, err := ledger.Dial(dctx, cc, hk.Key, opts, log.Named("ledger"))
		cancel()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, c)
	}
	return out, result.ErrorOrNil()
}
