package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/config"
	"github.com/PipeOpsHQ/netspy/internal/handler"
	"github.com/PipeOpsHQ/netspy/internal/interceptor"
	"github.com/PipeOpsHQ/netspy/internal/notify"
	"github.com/PipeOpsHQ/netspy/internal/observability"
	"github.com/PipeOpsHQ/netspy/internal/retention"
	"github.com/PipeOpsHQ/netspy/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.LogFile)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("netspy stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rows, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	s := store.New(rows)
	defer func() { _ = s.Close() }()

	metrics := observability.NewMetrics()
	settings := config.NewSettings(cfg.Capture)

	hub := notify.NewHub(
		notify.WithRate(rate.Limit(cfg.HubRate), cfg.HubBurst),
		notify.WithLogger(log.With().Str("component", "notify").Logger()),
		notify.WithDropHook(metrics.NotifyDropped.Inc),
	)

	retentionOpts := []retention.Option{
		retention.WithLogger(log.With().Str("component", "retention").Logger()),
		retention.WithPruneHook(func(n int64) { metrics.PrunedTotal.Add(float64(n)) }),
	}
	if cfg.PruneInterval != 0 {
		retentionOpts = append(retentionOpts, retention.WithInterval(cfg.PruneInterval))
	}
	manager := retention.NewManager(s, settings.Policy, retentionOpts...)

	rec := interceptor.New(s, settings,
		interceptor.WithNotifier(hub),
		interceptor.WithRetention(manager),
		interceptor.WithLogger(log.With().Str("component", "interceptor").Logger()),
		interceptor.WithMetrics(metrics),
	)
	client := interceptor.NewClient(rec, &http.Client{Timeout: cfg.ReplayTimeout})

	h := handler.NewHandler(s,
		handler.WithHub(hub),
		handler.WithSettings(settings),
		handler.WithClient(client),
		handler.WithMetrics(metrics),
		handler.WithLogger(log.With().Str("component", "http").Logger()),
		handler.WithVersion(version),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// prune once at startup
		if _, err := manager.Trigger(gctx); err != nil {
			log.Error().Err(err).Msg("initial prune failed")
		}
		manager.Run(gctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("db", cfg.DatabasePath).
			Str("retention", cfg.Capture.Retention.String()).Msg("starting netspy")
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
	return g.Wait()
}
