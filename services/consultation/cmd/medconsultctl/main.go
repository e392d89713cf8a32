// Command medconsultctl is the operator CLI for the consultation service:
// it inspects and retries ledger outbox rows, checks diagnosis integrity and
// lists a doctor's booked slots.
package main

import (
	"context"
	"fmt"
	"os"

	"medconsult/internal/util"
	"medconsult/pkg/store"
	"medconsult/services/consultation/internal/app"
	"medconsult/services/consultation/internal/bootstrap"
	"medconsult/services/consultation/internal/config"
)

func main() {
	root := newRootCmd(openApp)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp builds the consultation core from the config file. The returned
// func releases its connections.
func openApp(ctx context.Context, path string) (*app.App, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("init store: %w", err)
	}
	gateway, err := bootstrap.Inference(cfg.Inference)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init inference: %w", err)
	}
	ledgerClient, err := bootstrap.Ledger(cfg.Ledger)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init ledger client: %w", err)
	}
	jobs, err := bootstrap.Queue(cfg)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init job queue: %w", err)
	}
	core, err := app.New(app.Config{
		Store:             db,
		Inference:         gateway,
		Ledger:            ledgerClient,
		Jobs:              jobs,
		DefaultDoctorID:   cfg.DefaultDoctorID,
		Policy:            app.BookingPolicy(cfg.AppointmentPolicy),
		MaxLedgerAttempts: cfg.Queue.MaxRetries,
	})
	if err != nil {
		jobs.Close()
		db.Close()
		return nil, nil, err
	}
	return core, func() {
		_ = jobs.Close()
		_ = db.Close()
	}, nil
}
