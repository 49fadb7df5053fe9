// Package main runs the driver sync core as a local daemon next to the UI
// shell. The shell talks to it over the localhost API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rxdelivery/driversync/internal/api"
	"github.com/rxdelivery/driversync/internal/config"
	"github.com/rxdelivery/driversync/internal/connectivity"
	"github.com/rxdelivery/driversync/internal/db"
	"github.com/rxdelivery/driversync/internal/events"
	"github.com/rxdelivery/driversync/internal/location"
	"github.com/rxdelivery/driversync/internal/logging"
	"github.com/rxdelivery/driversync/internal/metrics"
	"github.com/rxdelivery/driversync/internal/remote"
	syncpkg "github.com/rxdelivery/driversync/internal/sync"
	"github.com/rxdelivery/driversync/internal/sync/conflict"
	"github.com/rxdelivery/driversync/internal/sync/queue"
	"github.com/rxdelivery/driversync/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("DRIVERSYNC_CONFIG"), "path to a YAML config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	migrateDown := flag.Bool("migrate-down", false, "roll back the latest schema migration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("driversync v%s\n", Version)
		return
	}

	if *migrateDown {
		if err := rollback(*configPath); err != nil {
			logging.Error("Schema rollback failed", err, nil)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		logging.Error("driversync exited with error", err, nil)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	log := logging.Get().Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	sealer, err := newSealer(cfg.DeviceSecret)
	if err != nil {
		return err
	}
	settings := db.NewSettingsStore(database, sealer)

	tokens, err := loadTokens(cfg.AuthToken, settings)
	if err != nil {
		return err
	}

	client := remote.NewClient(cfg.APIBaseURL, tokens.creds, remote.WithTimeout(cfg.HTTPTimeout))
	monitor := connectivity.NewMonitor()
	hub := events.NewHub()

	actions := db.NewActionStore(database)
	engine := syncpkg.NewEngine(actions, client, conflict.NewDetector(client), monitor,
		syncpkg.WithPolicy(queue.Policy{
			Base:       cfg.Sync.BackoffBase,
			Max:        cfg.Sync.BackoffMax,
			MaxRetries: cfg.Sync.MaxRetries,
		}),
		syncpkg.WithOrderSequencing(cfg.Sync.PreserveOrderSequence),
		syncpkg.WithEventHandler(hub),
		syncpkg.WithConflictHandler(hub.OnConflict),
	)

	samples := db.NewLocationStore(database)
	positions := location.NewPushSource(32)
	tracker := location.NewTracker(positions, client, samples, monitor, location.Config{
		BaseInterval:      cfg.Location.BaseInterval,
		AccuracyCeiling:   cfg.Location.AccuracyCeiling,
		StationarySpeed:   cfg.Location.StationarySpeed,
		RequireBackground: cfg.Location.RequireBackground,
	})
	syncer := location.NewSyncer(samples, client, monitor, cfg.Location.SyncBatchSize)

	sched := scheduler.NewScheduler(engine, syncer, monitor, &scheduler.Config{
		Interval:    cfg.Sync.Interval,
		PassTimeout: 2 * time.Minute,
	})
	tokens.onChange = sched.Kick

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Deps{
			Scheduler:    sched,
			Queue:        actions,
			Connectivity: monitor,
			Tracker:      tracker,
			Positions:    positions,
			Samples:      samples,
			Settings:     settings,
			Auth:         tokens,
			Events:       hub,
			Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	sched.Start(gctx)
	watch := monitor.Subscribe()
	g.Go(func() error {
		hub.Watch(gctx, watch)
		return nil
	})

	if cfg.Connectivity.CheckInterval > 0 {
		checker := newChecker(cfg, client)
		g.Go(func() error {
			monitor.Run(gctx, checker, cfg.Connectivity.CheckInterval, cfg.Connectivity.CheckTimeout)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("Local API listening", map[string]interface{}{"addr": cfg.ListenAddr, "version": Version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	tracker.StopTracking()
	sched.Stop()
	monitor.Close()
	hub.Close()

	log.Info("driversync stopped", nil)
	return err
}

// rollback reverts the latest migration so an older build can open the
// database.
func rollback(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	version, err := database.Rollback()
	if err != nil {
		return err
	}
	logging.Info("Schema rolled back", map[string]interface{}{"version": version, "data_dir": cfg.DataDir})
	return nil
}

// newChecker uses the client's own health call unless a custom check path is
// configured.
func newChecker(cfg *config.Config, client *remote.Client) connectivity.Checker {
	if cfg.Connectivity.CheckPath == "" {
		return connectivity.CheckerFunc(client.Health)
	}
	return connectivity.NewHTTPChecker(cfg.APIBaseURL, cfg.Connectivity.CheckPath)
}
