// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianBlinder/pkg/crypto"
	"github.com/AleutianAI/AleutianBlinder/pkg/logging"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/detector"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/patterns"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/pipeline"
	"github.com/AleutianAI/AleutianBlinder/services/blinder/sanitizer"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/archive"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/config"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/retention"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianBlinder/services/orchestrator/storage"
	"github.com/AleutianAI/AleutianBlinder/services/retrieval"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "blinder-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("blinder-orchestrator")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	cfg := config.Load()
	logging.Setup(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "orchestrator",
	})

	// A missing or short master key degrades rather than aborts: the
	// service stays up and vault operations are refused per request, so
	// nothing is ever encrypted under a guessable key.
	if crypto.WeakMasterKey(cfg.MasterKey) {
		slog.Warn("BLINDER_MASTER_KEY missing or shorter than required, session encryption disabled",
			"min_bytes", crypto.MinMasterKeyLen)
	}

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("failed to initialise schema: %v", err)
	}

	// Local embedding cache. Losing it only costs re-embedding, so a
	// broken cache dir degrades instead of aborting.
	var embedCache *badger.DB
	if cfg.EmbedCacheDir != "" {
		embedCache, err = badger.Open(badger.DefaultOptions(cfg.EmbedCacheDir).WithLogger(nil))
		if err != nil {
			slog.Warn("embedding cache unavailable, embedding without cache",
				"dir", cfg.EmbedCacheDir, "error", err)
		} else {
			defer embedCache.Close()
		}
	}

	san, err := sanitizer.NewSanitizer()
	if err != nil {
		log.Fatalf("failed to build sanitizer: %v", err)
	}
	det, err := detector.New(detector.NewNERClient(cfg.NERServiceURL), cfg.PIIConfidenceThreshold)
	if err != nil {
		log.Fatalf("failed to build PII detector: %v", err)
	}
	pipe := pipeline.New(san, det)

	// Operator pattern overrides, hot-reloaded on file change.
	if cfg.PatternsDir != "" {
		rules, err := patterns.LoadDir(cfg.PatternsDir)
		if err != nil {
			log.Fatalf("failed to load pattern overrides: %v", err)
		}
		san.SetOverrides(rules)
		det.SetOverrides(rules)
		watcher, err := patterns.NewWatcher(cfg.PatternsDir, func(rules []patterns.Rule) {
			san.SetOverrides(rules)
			det.SetOverrides(rules)
		})
		if err != nil {
			slog.Warn("pattern hot-reload unavailable", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	embedder := retrieval.NewEmbedder(cfg.EmbeddingServiceURL, embedCache)
	retriever := retrieval.NewRetriever(store)

	archiver, err := archive.New(ctx, cfg.AuditArchiveBucket)
	if err != nil {
		log.Fatalf("failed to setup audit archival: %v", err)
	}
	defer archiver.Close()

	if cfg.SessionMaxAge > 0 {
		sweeper := retention.NewSweeper(store, retention.DefaultConfig(cfg.SessionMaxAge))
		if err := sweeper.Start(ctx); err != nil {
			log.Fatalf("failed to start retention sweeper: %v", err)
		}
		defer sweeper.Stop()
	}

	metrics := observability.InitMetrics()
	h := handlers.New(cfg, store, pipe, embedder, retriever, metrics, archiver)

	router := gin.Default()
	router.Use(otelgin.Middleware("blinder-orchestrator"))
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.NewRateLimiter(10, 30).Middleware())
	routes.SetupRoutes(router, h)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("orchestrator listening", "port", port,
			"archive_enabled", archiver.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
