// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/shadow/replay"
)

const shutdownTimeout = 5 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Follow the chain and keep the shadow store current",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	s, err := openStore(c, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	source, err := dialSource(ctx, c)
	if err != nil {
		return err
	}
	defer source.Close()

	provider, shutdownTracing, err := newTracerProvider(ctx, c.TraceEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush spans", log.Err(err))
		}
	}()

	registry := prometheus.NewRegistry()
	if err := errors.Join(
		registry.Register(collectors.NewGoCollector()),
		registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return fmt.Errorf("failed to register runtime metrics: %w", err)
	}

	r, err := newReplayer(c, logger, source, s,
		replay.WithRegisterer(registry),
		replay.WithTracerProvider(provider),
	)
	if err != nil {
		return err
	}

	logger.Info("starting shadowd",
		log.String("rpcURL", c.RPCURL),
		log.String("executor", c.Executor.Hex()),
		log.String("dbPath", c.DBPath),
		log.Bool("coverage", c.Coverage),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(ctx)
	})
	if c.MetricsAddr != "" {
		server := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           newMux(registry, r, c.HealthThreshold),
			ReadHeaderTimeout: shutdownTimeout,
		}
		g.Go(func() error {
			logger.Info("serving metrics", log.String("addr", c.MetricsAddr))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	err = g.Wait()
	logger.Info("shadowd stopped", log.String("watermark", r.Watermark().String()))
	return err
}

// Checker reports whether the replay loop is making progress.
type Checker interface {
	Healthy(threshold time.Duration) error
}

func newMux(gatherer prometheus.Gatherer, checker Checker, threshold time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := checker.Healthy(threshold); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// newTracerProvider exports spans over OTLP/HTTP when endpoint is set and
// drops them otherwise.
func newTracerProvider(ctx context.Context, endpoint string) (trace.TracerProvider, func(context.Context) error, error) {
	if endpoint == "" {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return provider, provider.Shutdown, nil
}
