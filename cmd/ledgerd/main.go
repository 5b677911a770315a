package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"transit-ledger/internal/config"
	"transit-ledger/internal/events"
	"transit-ledger/internal/metrics"
	"transit-ledger/internal/registry"
	"transit-ledger/internal/reliability"
	"transit-ledger/internal/server"
	"transit-ledger/internal/store"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.OnTimeThresholdSec)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	// Postgres audit mirror (optional)
	var mirror *store.Mirror
	if cfg.DatabaseURL != "" {
		mirror, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("mirror open error: %v", err)
		}
		defer mirror.Close()
		if err := mirror.Ping(ctx); err != nil {
			log.Fatalf("mirror ping error: %v", err)
		}
		if err := mirror.EnsureSchema(ctx); err != nil {
			log.Fatalf("mirror schema error: %v", err)
		}
		log.Printf("audit mirror enabled")
	}

	// NATS event publisher
	pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	// Ledger cores
	reg := registry.New(pub)
	agg := reliability.New(cfg.OnTimeThresholdSec, pub)

	handler := &server.Handler{
		Registry:   reg,
		Aggregator: agg,
		Mirror:     mirror,
		Metrics:    mcol,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.New(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		log.Printf("transit-ledger listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Println("shutdown complete")
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) events.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
