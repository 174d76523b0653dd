package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ShantanuVr/registry-adapter-api/pkg/api"
	"github.com/ShantanuVr/registry-adapter-api/pkg/archive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/audit"
	"github.com/ShantanuVr/registry-adapter-api/pkg/auth"
	"github.com/ShantanuVr/registry-adapter-api/pkg/config"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger/evm"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger/simledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/observability"
	"github.com/ShantanuVr/registry-adapter-api/pkg/operations"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
	"github.com/ShantanuVr/registry-adapter-api/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// components are the long-lived dependencies of a running server.
type components struct {
	store    *store.SQLStore
	client   ledger.Client
	executor *ledger.Executor
	service  *operations.Service
	receipts *receipts.Manager
	obs      *observability.Provider
	audit    *audit.AsyncLogger
	closers  []func(context.Context) error
}

func (c *components) close(ctx context.Context) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			slog.WarnContext(ctx, "shutdown step failed", "error", err)
		}
	}
}

func build(ctx context.Context, cfg *config.Config, auditOut io.Writer) (*components, error) {
	c := &components{}
	fail := func(err error) (*components, error) {
		c.close(context.Background())
		return nil, err
	}

	obs, err := observability.New(ctx, &cfg.Observability)
	if err != nil {
		return fail(fmt.Errorf("init observability: %w", err))
	}
	c.obs = obs
	c.closers = append(c.closers, obs.Shutdown)

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	c.store = st
	c.closers = append(c.closers, func(context.Context) error { return st.Close() })
	if err := st.Init(ctx); err != nil {
		return fail(err)
	}
	slog.InfoContext(ctx, "store ready", "dialect", st.Dialect().String())

	resolverOpts := []derive.ResolverOption{}
	if cfg.RedisURL != "" {
		rdb, err := store.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		c.closers = append(c.closers, func(context.Context) error { return rdb.Close() })
		resolverOpts = append(resolverOpts, derive.WithCache(store.NewRedisCache(rdb, 0)))
	}

	switch cfg.Ledger.Mode {
	case config.LedgerEVM:
		client, err := evm.Dial(ctx, cfg.Ledger.EVM)
		if err != nil {
			return fail(err)
		}
		c.client = client
	default:
		slog.WarnContext(ctx, "using the in-process simulated ledger; effects are not durable")
		c.client = simledger.New()
	}
	c.closers = append(c.closers, func(context.Context) error { return c.client.Close() })

	execCfg := ledger.DefaultConfig()
	execCfg.Confirmations = cfg.Ledger.Confirmations
	execCfg.ConfirmTimeout = cfg.Ledger.ConfirmTimeout
	execCfg.PollInterval = cfg.Ledger.PollInterval
	execOpts := []ledger.Option{ledger.WithObservability(obs)}
	if cfg.Ledger.SubmitRate > 0 {
		execOpts = append(execOpts, ledger.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Ledger.SubmitRate), 1)))
	}
	c.executor = ledger.NewExecutor(c.client, execCfg, execOpts...)
	slog.InfoContext(ctx, "ledger ready", "mode", cfg.Ledger.Mode, "signer", c.executor.Signer())

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fail(err)
	}

	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return fail(fmt.Errorf("open audit log: %w", err))
		}
		c.closers = append(c.closers, func(context.Context) error { return f.Close() })
		auditOut = f
	}
	c.audit = audit.NewAsyncLogger(auditOut, 1024)
	c.closers = append(c.closers, c.audit.Close)

	c.receipts = receipts.NewManager(st)
	c.service = operations.NewService(operations.Deps{
		Guard:         idempotency.NewGuard(st, idempotency.WithLeaseTTL(cfg.Idempotency.LeaseTTL)),
		Receipts:      c.receipts,
		Resolver:      derive.NewResolver(st, resolverOpts...),
		Executor:      c.executor,
		Archive:       arch,
		Audit:         c.audit,
		Observability: obs,
	}, operations.WithReplayWait(cfg.Idempotency.ReplayWait, 250*time.Millisecond))
	return c, nil
}

func serve(ctx context.Context, cfg *config.Config, auditOut io.Writer) error {
	c, err := build(ctx, cfg, auditOut)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.close(shutdownCtx)
	}()

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		HMACSecret:   cfg.Auth.JWTSecret,
		PublicKeyPEM: cfg.Auth.JWTPublicKey,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}
	if validator == nil {
		slog.WarnContext(ctx, "no JWT key configured; all authenticated routes will be rejected")
	}
	checker, err := auth.NewCELChecker(cfg.Auth.Policy)
	if err != nil {
		return err
	}
	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	ledgerHealth := func(ctx context.Context) error {
		_, err := c.client.BlockNumber(ctx)
		return err
	}
	srv, err := api.NewServer(api.Config{
		Operations: c.service,
		Validator:  validator,
		Checker:    checker,
		Limiter:    limiter,
		Health: map[string]api.HealthFunc{
			"ledger": ledgerHealth,
			"store":  c.store.Ping,
		},
	})
	if err != nil {
		return err
	}

	go housekeeping(ctx, c.receipts, limiter, cfg.Idempotency.PendingAfter)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	// Handlers wait for their detached pipelines, so Shutdown must outlast
	// the longest submission plus the receipt write.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace(c.executor))
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// finalizeSlack covers the receipt write and its retries after Submit returns.
const finalizeSlack = 15 * time.Second

func shutdownGrace(exec *ledger.Executor) time.Duration {
	return exec.SubmitBudget() + finalizeSlack
}

// housekeeping reports receipts stuck in PENDING and prunes idle rate
// limiter buckets. PENDING receipts are never resubmitted automatically.
func housekeeping(ctx context.Context, mgr *receipts.Manager, limiter *api.RateLimiter, pendingAfter time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		limiter.Sweep()
		stale, err := mgr.ListPending(ctx, pendingAfter, 100)
		if err != nil {
			slog.WarnContext(ctx, "pending sweep failed", "error", err)
			continue
		}
		for _, r := range stale {
			slog.WarnContext(ctx, "receipt outcome unknown, needs reconciliation",
				"receipt_id", r.ID, "kind", r.Kind, "created_at", r.CreatedAt)
		}
	}
}
