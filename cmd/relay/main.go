// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Command relay runs the telemetry forwarding pipeline: it accepts decoded
// entities, batches and submits them to the ingestion backend, persists
// what cannot be delivered, and aggregates histogram samples into
// time-bucketed digests.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/accumulator"
	"github.com/telemetryrelay/relay/internal/backlog"
	"github.com/telemetryrelay/relay/internal/checkin"
	"github.com/telemetryrelay/relay/internal/config"
	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/handler"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/ratelimit"
	"github.com/telemetryrelay/relay/internal/sketch"
	"github.com/telemetryrelay/relay/internal/submit"
)

var (
	version = "dev"
	date    = "unknown"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Telemetry forwarding relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to the relay configuration file")
	cmd.Flags().String("server.url", "", "ingestion backend base URL")
	cmd.Flags().String("server.token", "", "ingestion backend API token")
	cmd.Flags().String("logging.level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("metrics.addr", "", "address to serve Prometheus metrics on")
	cmd.AddCommand(versionCommand())
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("relay %s (%s)\n", version, date)
		},
	}
}

func run(cfg *config.Config) error {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting relay", zap.String("version", version), zap.String("server", cfg.Server.URL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(promReg)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	registry := ratelimit.NewRegistry(rateConfig(cfg), logger.Named("ratelimit"))
	switches := &checkin.Switches{}

	bl, err := backlog.Open(cfg.Backlog.Dir, backlog.RetryConfig{
		InitialInterval: cfg.Backlog.RetryInitialInterval,
		MaxInterval:     cfg.Backlog.RetryMaxInterval,
	}, logger.Named("backlog"), sink)
	if err != nil {
		return fmt.Errorf("failed to open backlog: %w", err)
	}

	level, err := submit.ParseQueueLevel(cfg.Push.QueueLevel)
	if err != nil {
		return err
	}
	exec := &submit.Executor{
		Submitter: submit.NewHTTPSubmitter(cfg.Server.URL, cfg.Server.Token, 30*time.Second),
		Backlog:   bl,
		Sink:      sink,
		Logger:    logger.Named("submit"),
		Props: func(t entity.Type) submit.Properties {
			return submit.Properties{
				QueueLevel:        level,
				SplitOnThrottle:   cfg.Push.SplitWhenRateLimited,
				ItemsPerBatch:     registry.Limiter(t).Snapshot().ItemsPerBatch,
				MinBatchSplitSize: cfg.Push.MinBatchSplitSize,
			}
		},
	}

	factory := handler.NewFactory(handler.FactoryOptions{
		Validation:           cfg.Validation,
		FlushInterval:        cfg.Push.FlushInterval,
		SenderWorkers:        cfg.Push.SenderWorkers,
		SampleLogRate:        cfg.Push.SampleLogRate,
		BlockedLogsPerMinute: cfg.Push.BlockedLogsPerMinute,
		ShutdownGrace:        cfg.Push.ShutdownGrace,
	}, exec, registry, switches, logger.Named("handler"), sink)

	bl.Start(ctx, exec.Execute)

	var bg sync.WaitGroup
	accs, err := startHistograms(ctx, &bg, cfg, factory, switches, logger, sink)
	if err != nil {
		return err
	}

	svc := checkin.NewService(
		checkin.NewHTTPSource(cfg.Server.URL, cfg.Server.Token, 10*time.Second),
		registry, switches, cfg.Checkin.Interval, logger.Named("checkin"))
	bg.Add(1)
	go func() {
		defer bg.Done()
		svc.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Dispatchers run a final pass on cancellation; wait for it before
	// flushing handlers so late histograms still reach the pipeline.
	bg.Wait()
	factory.ShutdownAll()
	for _, a := range accs {
		if err := a.Close(); err != nil {
			logger.Error("failed to close accumulator", zap.Stringer("granularity", a.Granularity()), zap.Error(err))
		}
	}
	if err := bl.Close(); err != nil {
		logger.Error("failed to close backlog", zap.Error(err))
	}
	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}
	logger.Info("shutdown complete")
	return nil
}

func buildLogger(cfg config.Logging) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func rateConfig(cfg *config.Config) ratelimit.Config {
	rates := make(map[entity.Type]float64)
	items := make(map[entity.Type]int)
	for _, t := range entity.Types() {
		rates[t] = cfg.RateFor(t)
		items[t] = cfg.Push.ItemsPerBatch
	}
	return ratelimit.Config{Rates: rates, ItemsPerBatch: items}
}

// startHistograms wires one accumulator, dispatcher and accumulation
// handler per enabled granularity. The dispatcher feeds aggregated
// histograms back into the regular submission pipeline.
func startHistograms(ctx context.Context, bg *sync.WaitGroup, cfg *config.Config,
	factory *handler.Factory, switches *checkin.Switches,
	logger *zap.Logger, sink metrics.Sink) ([]*accumulator.Accumulator, error) {

	setups := []struct {
		g accumulator.Granularity
		c config.Granularity
	}{
		{accumulator.Minute, cfg.Histogram.Minute},
		{accumulator.Hour, cfg.Histogram.Hour},
		{accumulator.Day, cfg.Histogram.Day},
		{accumulator.Distribution, cfg.Histogram.Distribution},
	}

	var accs []*accumulator.Accumulator
	for _, gs := range setups {
		if !gs.c.Enabled {
			continue
		}
		if err := os.MkdirAll(cfg.Histogram.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create histogram directory: %w", err)
		}

		path := filepath.Join(cfg.Histogram.Dir, gs.g.String()+".db")
		if !gs.c.Persisted {
			path = ""
		}
		store, err := sketch.Open(sketch.Options{
			Path:            path,
			MemoryCache:     gs.c.MemoryCache,
			ExpectedEntries: gs.c.Capacity,
			AvgKeyBytes:     gs.c.AvgKeyBytes,
			AvgValueBytes:   gs.c.AvgDigestBytes,
			Compression:     gs.c.Compression,
		}, logger.Named("sketch").With(zap.Stringer("granularity", gs.g)))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s digest store: %w", gs.g, err)
		}

		acc := accumulator.New(gs.g, store, gs.c.Capacity,
			logger.Named("accumulator").With(zap.Stringer("granularity", gs.g)), sink)
		accs = append(accs, acc)

		factory.Register(entity.KeyOf(entity.Histogram, gs.g.String()),
			handler.NewAccumulationHandler(
				entity.KeyOf(entity.Histogram, gs.g.String()), acc,
				cfg.Validation, switches, cfg.Push.BlockedLogsPerMinute,
				logger.Named("handler"), sink))

		disp := accumulator.NewDispatcher(acc,
			factory.Handler(entity.KeyOf(entity.Histogram, "aggregated")),
			cfg.Histogram.DispatchLimit,
			logger.Named("dispatcher").With(zap.Stringer("granularity", gs.g)))

		interval := gs.c.FlushInterval
		bg.Add(1)
		go func() {
			defer bg.Done()
			disp.Run(ctx, interval)
		}()
		bg.Add(1)
		go func(a *accumulator.Accumulator) {
			defer bg.Done()
			a.RunMonitor(ctx)
		}(acc)
		if gs.c.MemoryCache {
			wb := gs.c.WriteBackInterval
			bg.Add(1)
			go func(a *accumulator.Accumulator) {
				defer bg.Done()
				a.RunWriteBack(ctx, wb)
			}(acc)
		}
	}
	return accs, nil
}
