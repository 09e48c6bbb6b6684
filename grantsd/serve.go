package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"darlinggo.co/healthcheck"
	"darlinggo.co/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	yall "yall.in"

	"lockbox.dev/authz/grants"
	"lockbox.dev/authz/grants/apiv1"
	"lockbox.dev/authz/grants/chain"
)

func newServeCmd(cfg *Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the grants API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on, overriding server.addr")
	return cmd
}

func serve(ctx context.Context, cfg Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Server.LogLevel)
	ctx = yall.InContext(ctx, logger)

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Error opening grant storage.")
		return err
	}
	defer store.Close()

	deps := grants.Dependencies{
		Storer: store.Storer,
		Log:    logger,
	}
	if err := deps.Initialize(ctx); err != nil {
		return err
	}

	fetcher := chain.NewClient(cfg.Sync.Chains, cfg.Sync.RequestsPerSecond)
	v1 := apiv1.APIv1{
		Dependencies: deps,
		Persister:    grants.NewPersister(deps, fetcher, cfg.Sync.FetchTimeout),
	}

	mux := http.NewServeMux()

	// we need both to avoid redirecting, which turns POST into GET
	// the slash is needed to handle /v1/
	prefix := strings.TrimRight(cfg.Server.Prefix, "/")
	mux.Handle(prefix+"/", v1.Server(prefix+"/"))
	mux.Handle(prefix, v1.Server(prefix))

	mux.Handle("/version", version.Handler)

	if store.DB != nil {
		dbCheck := healthcheck.NewSQL(store.DB, "grants "+cfg.Storage.Driver+" DB")
		checker := healthcheck.NewChecks(ctx, printfLogger(logger), dbCheck)
		mux.Handle("/health", checker)
	}

	if cfg.Server.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// make our version information pretty
	vers := version.Tag
	if vers == "undefined" || vers == "" {
		vers = "dev"
	}
	vers = vers + " (" + version.Hash + ")"

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.WithField("version", vers).WithField("addr", cfg.Server.Addr).WithField("storage", cfg.Storage.Driver).Info("grantsd starting")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("addr", cfg.Server.Addr).Error("Error listening.")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("grantsd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
