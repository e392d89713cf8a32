package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"medconsult/internal/servicetoken"
	"medconsult/internal/util"
	"medconsult/pkg/ledger"
	"medconsult/services/ledger/internal/app"
	"medconsult/services/ledger/internal/chain"
	"medconsult/services/ledger/internal/config"
	"medconsult/services/ledger/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("ledger service stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	store, err := chain.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	core, err := app.New(app.Config{Store: store})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	// Walk once at boot so a tampered table shows up in the logs before traffic.
	if report, err := core.VerifyChain(ctx); err != nil {
		return fmt.Errorf("verify chain: %w", err)
	} else if report.Valid {
		slog.Info("ledger chain verified", "entries", report.Entries, "head", report.Head)
	}

	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		return fmt.Errorf("parse internal verify keys: %w", err)
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           ledger.Audience,
		AllowedIssuers:     cfg.AllowedIssuers,
		Leeway:             servicetoken.DefaultLeeway,
	})
	if err != nil {
		return fmt.Errorf("init service token verifier: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	httpServer, err := server.New(server.Config{App: core, Verifier: verifier, TrustedProxies: trusted})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ledger server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
