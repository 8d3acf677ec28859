// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/config"
	"github.com/lqt0707/monitor-sub002/internal/httpapi"
	"github.com/lqt0707/monitor-sub002/internal/logging"
	"github.com/lqt0707/monitor-sub002/internal/metrics"
	"github.com/lqt0707/monitor-sub002/internal/models"
	"github.com/lqt0707/monitor-sub002/pkg/aggregation"
	"github.com/lqt0707/monitor-sub002/pkg/archive"
	"github.com/lqt0707/monitor-sub002/pkg/columnar"
	"github.com/lqt0707/monitor-sub002/pkg/diagnosis"
	"github.com/lqt0707/monitor-sub002/pkg/ingestion"
	"github.com/lqt0707/monitor-sub002/pkg/metadata"
	"github.com/lqt0707/monitor-sub002/pkg/queue"
	"github.com/lqt0707/monitor-sub002/pkg/retention"
	"github.com/lqt0707/monitor-sub002/pkg/sourcemap"
	"github.com/lqt0707/monitor-sub002/pkg/stackparser"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(logging.Config{Service: "telemetry-server", Development: os.Getenv("ENV") == "development"})
	slog.SetDefault(logger.Logger)

	shutdownTracing, err := initTracer()
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	registry := metrics.NewRegistry()

	metadataStore, err := metadata.Open(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("metadata: %v", err)
	}

	columnarStore, err := columnar.Open(columnar.Config{
		Addr:     []string{cfg.ClickHouseAddr},
		Database: cfg.ClickHouseDatabase,
		Username: cfg.ClickHouseUsername,
		Password: cfg.ClickHousePassword,
	})
	if err != nil {
		log.Fatalf("columnar: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}
	fabric := queue.New(rdb, nil)

	archiveStore := archive.New(cfg.SourceArchiveStoragePath, metadataStore)
	resolver := sourcemap.New(cfg.SourcemapStoragePath, registry)

	ingestionService := ingestion.New(metadataStore, columnarStore, fabric)
	aggregationEngine := aggregation.New(metadataStore, &queueNotifier{fabric: fabric}, logger.Logger)

	diagnosisService, err := buildDiagnosisService(cfg, metadataStore, archiveStore)
	if err != nil {
		logger.Warn("AI diagnosis disabled", "error", err)
		diagnosisService = disabledDiagnosis{reason: err.Error()}
	}

	scheduler := retention.New(metadataStore, archiveStore, columnarStore, metadataStore, logger.Logger)
	if err := scheduler.Start(context.Background()); err != nil {
		log.Fatalf("retention scheduler: %v", err)
	}
	defer scheduler.Stop()

	api := &httpapi.API{
		Ingestion:         ingestionService,
		Archive:           archiveStore,
		Queue:             fabric,
		Aggregation:       metadataStore,
		AggregationEngine: aggregationEngine,
		Diagnosis:         diagnosisService,
		ErrorLogs:         metadataStore,
		Location:          resolver,
		Columnar:          columnarStore,
		LookupProjectByKey: func(apiKey string) (string, bool) {
			project, ok, err := metadataStore.GetProjectByAPIKey(context.Background(), apiKey)
			if err != nil || !ok {
				return "", false
			}
			return project.ProjectID, true
		},
		Logger:      logger,
		BearerToken: cfg.BearerToken,
	}
	router := api.NewRouter()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers := startWorkers(workerCtx, fabric, cfg, logger.Logger, jobHandlers{
		sourcemap:   resolver,
		store:       metadataStore,
		aggregation: aggregationEngine,
		diagnosis:   diagnosisService,
	})

	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		logger.Info("telemetry-server listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	stopWorkers()
	for _, w := range workers {
		w.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
}

// initTracer registers a global TracerProvider so otelgin can start and
// propagate a span for every request; trace ids are not added to the
// correlation-id logger. No exporter is wired
// here — this stack doesn't carry an OTLP collector dependency the way the
// reference orchestrator service does — so spans are sampled and
// propagated but not shipped anywhere yet.
func initTracer() (func(context.Context) error, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("telemetry-server")))
	if err != nil {
		return nil, fmt.Errorf("tracer resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return provider.Shutdown, nil
}

// buildDiagnosisService wires the AI diagnosis orchestrator against the
// configured LLM backend, matching config.Config.LLMBackendType (spec §6
// AI_DIAGNOSIS_ENABLED, LLM_BACKEND_TYPE).
func buildDiagnosisService(cfg *config.Config, store *metadata.Store, archiveStore *archive.Store) (httpapi.DiagnosisService, error) {
	if !cfg.AIDiagnosisEnabled {
		return nil, fmt.Errorf("AI_DIAGNOSIS_ENABLED is false")
	}

	llmClient, err := diagnosis.ClientFor(cfg.LLMBackendType,
		cfg.AnthropicAPIKey, cfg.AnthropicModel,
		cfg.OpenAIAPIKey, cfg.OpenAIModel,
		cfg.OllamaBaseURL, cfg.OllamaModel)
	if err != nil {
		return nil, err
	}

	return diagnosis.New(store, &archiveSourceAdapter{store: archiveStore}, llmClient, sourcemap.DefaultContextLines), nil
}

// archiveSourceAdapter lets the source-archive store back the diagnosis
// orchestrator's narrow SourceProvider port without diagnosis importing
// pkg/archive directly.
type archiveSourceAdapter struct {
	store *archive.Store
}

func (a *archiveSourceAdapter) GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber *int, contextLines int) (diagnosis.SourceLocation, error) {
	result, err := a.store.GetByLocation(ctx, projectID, version, filePath, lineNumber, contextLines)
	if err != nil {
		return diagnosis.SourceLocation{}, err
	}
	return diagnosis.SourceLocation{
		Lines:      result.Lines,
		StartLine:  result.StartLine,
		EndLine:    result.EndLine,
		TargetLine: result.TargetLine,
	}, nil
}

// disabledDiagnosis stands in for DiagnosisService when AI diagnosis is
// turned off, so the control surface still answers with a clear error
// instead of a nil-pointer panic.
type disabledDiagnosis struct{ reason string }

func (d disabledDiagnosis) AnalyzeError(ctx context.Context, aggregationID int64, projectVersion string, force bool) error {
	return apperrors.New(apperrors.KindBadRequest, "AI diagnosis is disabled: "+d.reason)
}

// queueNotifier implements aggregation.Notifier by enqueuing the
// email-notification job, keeping pkg/aggregation free of a pkg/queue
// import (spec §4.7, §4.9).
type queueNotifier struct {
	fabric *queue.Fabric
}

func (n *queueNotifier) NotifyThresholdCrossed(ctx context.Context, aggregationID int64, projectID, errorHash string) error {
	payload, err := aggregation.MarshalNotification(aggregationID, projectID, errorHash)
	if err != nil {
		return err
	}
	_, err = n.fabric.Add(ctx, queue.QueueEmailNotification, "threshold-crossed", payload, models.PriorityHigh)
	return err
}

// jobHandlers groups the dependencies the five queue workers need to
// process their job payloads.
type jobHandlers struct {
	sourcemap   *sourcemap.Resolver
	store       *metadata.Store
	aggregation *aggregation.Engine
	diagnosis   httpapi.DiagnosisService
}

type sourcemapJobPayload struct {
	LogID          int64  `json:"logId"`
	ProjectID      string `json:"projectId"`
	ProjectVersion string `json:"projectVersion"`
	SourceFile     string `json:"sourceFile"`
	Line           int    `json:"line"`
	Column         int    `json:"column"`
}

type aiDiagnosisJobPayload struct {
	AggregationID  int64  `json:"aggregationId"`
	ProjectVersion string `json:"projectVersion"`
	Force          bool   `json:"force"`
}

type emailNotificationJobPayload struct {
	AggregationID int64  `json:"aggregationId"`
	ProjectID     string `json:"projectId"`
	ErrorHash     string `json:"errorHash"`
}

// startWorkers launches QueueConcurrency workers per named queue. Worker
// is single-goroutine per instance, so concurrency N means N Worker
// instances polling the same queue (spec §4.7).
func startWorkers(ctx context.Context, fabric *queue.Fabric, cfg *config.Config, logger *slog.Logger, handlers jobHandlers) []*queue.Worker {
	specs := []struct {
		name    string
		handler queue.Handler
	}{
		{queue.QueueErrorProcessing, errorProcessingHandler(logger)},
		{queue.QueueAIDiagnosis, aiDiagnosisHandler(handlers.diagnosis)},
		{queue.QueueEmailNotification, emailNotificationHandler(logger)},
		{queue.QueueSourcemapProcessing, sourcemapProcessingHandler(handlers.sourcemap, handlers.store)},
		{queue.QueueErrorAggregation, errorAggregationHandler(handlers.aggregation)},
	}

	var workers []*queue.Worker
	for _, spec := range specs {
		concurrency := cfg.QueueConcurrency[spec.name]
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			w := queue.NewWorker(fabric, spec.name, spec.handler, 500*time.Millisecond, logger)
			w.Start(ctx)
			workers = append(workers, w)
		}
	}
	return workers
}

// sourcemapProcessingHandler resolves a freshly ingested ErrorLog's crash
// frame against its project's source-map and persists the resolution
// (spec §4.3, §4.8 downstream job).
func sourcemapProcessingHandler(resolver *sourcemap.Resolver, store *metadata.Store) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload sourcemapJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("sourcemap job: decode payload: %w", err)
		}

		frame := stackparser.Frame{File: payload.SourceFile, Line: payload.Line, Col: payload.Column}
		resolved, err := resolver.ResolveOne(ctx, payload.ProjectID, payload.ProjectVersion, frame)
		if err != nil {
			return fmt.Errorf("sourcemap job: resolve: %w", err)
		}
		if !resolved.Resolved {
			return nil
		}

		snippet := joinLines(resolved.ContextLines)
		return store.UpdateSourceResolution(ctx, payload.LogID, resolved.OriginalSource,
			resolved.OriginalLine, resolved.OriginalColumn, resolved.FunctionName, snippet)
	}
}

// errorAggregationHandler folds the newly ingested backlog into its
// rollups. The job payload only ever carries a hint that new work exists;
// the engine itself always pulls the full unaggregated batch (spec §4.9).
func errorAggregationHandler(engine *aggregation.Engine) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		_, err := engine.RunOnce(ctx)
		return err
	}
}

// aiDiagnosisHandler runs the diagnosis pipeline asynchronously for
// callers that enqueue rather than call POST /ai-diagnosis directly.
func aiDiagnosisHandler(service httpapi.DiagnosisService) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload aiDiagnosisJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("ai-diagnosis job: decode payload: %w", err)
		}
		return service.AnalyzeError(ctx, payload.AggregationID, payload.ProjectVersion, payload.Force)
	}
}

// emailNotificationHandler logs the threshold-crossing notification. No
// outbound mail transport is wired into this stack; the job record itself
// is the durable trace of "this alert fired" until one is.
func emailNotificationHandler(logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload emailNotificationJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("email-notification job: decode payload: %w", err)
		}
		logger.Info("alert threshold crossed", "aggregation_id", payload.AggregationID,
			"project_id", payload.ProjectID, "error_hash", payload.ErrorHash)
		return nil
	}
}

// errorProcessingHandler backs the legacy error-processing queue name
// (spec §4.7): nothing in this ingestion path enqueues onto it directly
// since InsertErrorLogBatch already persists synchronously, but the queue
// stays live and pollable for any producer the control surface adds later.
func errorProcessingHandler(logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		logger.Warn("error-processing job received with no registered handler", "job_type", job.Type, "job_id", job.ID)
		return nil
	}
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}
