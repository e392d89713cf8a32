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

	"medconsult/internal/ratelimit"
	"medconsult/internal/usertoken"
	"medconsult/internal/util"
	"medconsult/pkg/events"
	"medconsult/pkg/storage"
	"medconsult/pkg/store"
	"medconsult/services/consultation/internal/app"
	"medconsult/services/consultation/internal/bootstrap"
	"medconsult/services/consultation/internal/config"
	"medconsult/services/consultation/internal/server"
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
		logger.Error("consultation service stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	gateway, err := bootstrap.Inference(cfg.Inference)
	if err != nil {
		return fmt.Errorf("init inference: %w", err)
	}
	ledgerClient, err := bootstrap.Ledger(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("init ledger client: %w", err)
	}

	jobs, err := bootstrap.Queue(cfg)
	if err != nil {
		return fmt.Errorf("init job queue: %w", err)
	}
	defer jobs.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
		if err != nil {
			return fmt.Errorf("init event publisher: %w", err)
		}
		publisher = kp
	}
	defer publisher.Close()

	var reports storage.ObjectStore
	if cfg.Reports.MinioEndpoint != "" {
		reports, err = storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Reports.MinioEndpoint,
			AccessKey: cfg.Reports.AccessKey,
			SecretKey: cfg.Reports.SecretKey,
			Bucket:    cfg.Reports.Bucket,
			UseSSL:    cfg.Reports.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init report storage: %w", err)
		}
	} else {
		slog.Warn("reports.minioEndpoint not set, consultation reports are anchored but not archived")
	}

	core, err := app.New(app.Config{
		Store:                   db,
		Inference:               gateway,
		Ledger:                  ledgerClient,
		Jobs:                    jobs,
		Events:                  publisher,
		Reports:                 reports,
		DefaultDoctorID:         cfg.DefaultDoctorID,
		Policy:                  app.BookingPolicy(cfg.AppointmentPolicy),
		ResumeEmptyConsultation: *cfg.ResumeEmptyConsultation,
		MaxLedgerAttempts:       cfg.Queue.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.Auth.JWKSURL,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Leeway:     config.MustDuration(cfg.Auth.Leeway, 0),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("init jwks verifier: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	serverCfg := server.Config{
		App:            core,
		Tokens:         tokenVerifier,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	}
	if n := cfg.RateLimit.ChatPerMinute; n > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "medconsult:ratelimit:chat", n, time.Minute)
		if err != nil {
			return fmt.Errorf("init chat limiter: %w", err)
		}
		defer limiter.Close()
		serverCfg.ChatLimiter = limiter
	}
	if n := cfg.RateLimit.BookingPerMinute; n > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "medconsult:ratelimit:booking", n, time.Minute)
		if err != nil {
			return fmt.Errorf("init booking limiter: %w", err)
		}
		defer limiter.Close()
		serverCfg.BookingLimiter = limiter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs.Start(gctx, cfg.Queue.Concurrency, core.HandleJob)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		core.RunOutboxRelay(gctx,
			config.MustDuration(cfg.Outbox.RelayInterval, 30*time.Second),
			config.MustDuration(cfg.Outbox.RelayAfter, time.Minute),
			cfg.Outbox.Batch)
		return nil
	})
	g.Go(func() error {
		slog.Info("consultation server listening", "addr", addr)
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
