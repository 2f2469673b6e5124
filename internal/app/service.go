// Package app composes the service: config, logging, stores, metrics,
// sinks, the routing pipeline, and the HTTP intake server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/diag"
	"alertflow/internal/ingest"
	"alertflow/internal/logging"
	"alertflow/internal/metricsrc"
	"alertflow/internal/narrative"
	"alertflow/internal/notify"
	"alertflow/internal/pipeline"
	"alertflow/internal/queue"
	"alertflow/internal/route"
	"alertflow/internal/throttle"
	"alertflow/internal/tracker"
)

const defaultAgentPort = 9273

// Service composes runtime dependencies and process lifecycle.
// Params: loaded config and shared runtime components.
// Returns: runnable alert pipeline service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clk      clock.Clock

	throttleStore throttle.Store
	trackerStore  tracker.Store
	producer      queue.Producer
	worker        queue.Worker
	httpSrv       *http.Server
	readyFlag     atomic.Bool
}

// NewService builds the service from a config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.Source, clk clock.Clock) (*Service, error) {
	cfg, err := source.Load()
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{cfg: cfg, logger: logger, closeLog: closeLog, clk: clk}

	if err := service.buildStores(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	processor, err := service.buildProcessor()
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildQueue(processor); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Run starts the service and blocks until signal or server failure.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Intake.Listen, "mode", s.cfg.Service.Mode)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order: intake first,
// then the queue so buffered envelopes drain, then the stores.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	grace := time.Duration(s.cfg.Service.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			s.logger.Error("queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("queue worker close: %w", err))
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("queue producer close: %w", err))
		}
	}
	if err := s.throttleStore.Close(); err != nil {
		s.logger.Error("throttle store close failed", "error", err.Error())
		markErr(fmt.Errorf("throttle store close: %w", err))
	}
	if err := s.trackerStore.Close(); err != nil {
		s.logger.Error("tracker store close failed", "error", err.Error())
		markErr(fmt.Errorf("tracker store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.worker != nil {
		_ = s.worker.Close()
		s.worker = nil
	}
	if s.producer != nil {
		_ = s.producer.Close()
		s.producer = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.throttleStore != nil {
		_ = s.throttleStore.Close()
		s.throttleStore = nil
	}
	if s.trackerStore != nil {
		_ = s.trackerStore.Close()
		s.trackerStore = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStores creates throttle/tracker backends for the runtime mode.
// Both are wrapped fail-open so a store outage never blocks delivery.
// Params: none.
// Returns: setup error.
func (s *Service) buildStores() error {
	if s.cfg.Service.Mode == config.ServiceModeSingle {
		s.throttleStore = throttle.NewFailOpen(throttle.NewMemoryStore(s.clk.Now), s.logger)
		s.trackerStore = tracker.NewFailOpen(tracker.NewMemoryStore(s.cfg.Tracker.Retention(), s.clk.Now), s.logger)
		return nil
	}

	throttleStore, err := throttle.NewNATSStore(s.cfg.Queue.URL, s.cfg.Throttle.Bucket, s.clk)
	if err != nil {
		return fmt.Errorf("throttle store: %w", err)
	}
	s.throttleStore = throttle.NewFailOpen(throttleStore, s.logger)

	trackerStore, err := tracker.NewNATSStore(s.cfg.Queue.URL, s.cfg.Tracker.Bucket, s.cfg.Tracker.Retention(), s.clk)
	if err != nil {
		return fmt.Errorf("tracker store: %w", err)
	}
	s.trackerStore = tracker.NewFailOpen(trackerStore, s.logger)
	return nil
}

// buildProcessor wires metrics, diagnostics, narrative, and sinks.
// Params: none.
// Returns: envelope processor or setup error.
func (s *Service) buildProcessor() (*pipeline.Processor, error) {
	metrics, err := s.buildMetrics()
	if err != nil {
		return nil, err
	}

	registry := diag.NewRegistry(diag.DefaultHandlers()...)
	runner, err := diag.NewRunner(
		registry,
		s.cfg.Routing.DefaultHandler,
		s.cfg.Routing.DefaultParams,
		time.Duration(s.cfg.Service.HandlerTimeoutSec)*time.Second,
		s.cfg.Service.ReportLineBudget,
		s.logger,
	)
	if err != nil {
		return nil, err
	}

	var narrator pipeline.Narrator
	if s.cfg.Narrative.Enabled {
		generator, err := narrative.New(
			context.Background(),
			s.cfg.Narrative.APIKey,
			s.cfg.Narrative.Model,
			s.cfg.Narrative.Timeout(),
			s.cfg.Narrative.MaxOutputTokens,
		)
		if err != nil {
			return nil, fmt.Errorf("narrative generator: %w", err)
		}
		narrator = generator
	}

	var sinks []notify.Sink
	if s.cfg.Notify.Mattermost.Enabled {
		sinks = append(sinks, notify.NewMattermostSink(s.cfg.Notify.Mattermost))
	}
	if s.cfg.Notify.Telegram.Enabled {
		sinks = append(sinks, notify.NewTelegramSink(s.cfg.Notify.Telegram))
	}

	budget := time.Duration(s.cfg.Service.ProcessingBudgetSec) * time.Second
	return pipeline.New(runner, metrics, narrator, sinks, s.trackerStore, s.clk, budget, s.logger)
}

// buildMetrics creates the two-source metrics adapter.
// Params: none.
// Returns: adapter (sources optional) or setup error.
func (s *Service) buildMetrics() (*metricsrc.Adapter, error) {
	lookback, err := time.ParseDuration(s.cfg.Metrics.Lookback)
	if err != nil {
		return nil, fmt.Errorf("metrics lookback: %w", err)
	}

	var primary metricsrc.Source
	if s.cfg.Metrics.PrimaryURL != "" {
		source, err := metricsrc.NewPrometheusSource(s.cfg.Metrics.PrimaryURL, s.cfg.Metrics.BearerToken, s.cfg.Metrics.Timeout(), lookback)
		if err != nil {
			return nil, fmt.Errorf("primary metrics source: %w", err)
		}
		primary = source
	}

	var secondary metricsrc.Source
	if s.cfg.Metrics.SecondaryURL != "" {
		scheme, port, err := parseAgentEndpoint(s.cfg.Metrics.SecondaryURL)
		if err != nil {
			return nil, fmt.Errorf("secondary metrics source: %w", err)
		}
		secondary = metricsrc.NewAgentSource(scheme, port, s.cfg.Metrics.Timeout())
	}
	return metricsrc.NewAdapter(primary, secondary, s.logger), nil
}

// buildQueue creates the producer/worker pair for the runtime mode.
// Params: envelope processor.
// Returns: setup error.
func (s *Service) buildQueue(processor *pipeline.Processor) error {
	if s.cfg.Service.Mode == config.ServiceModeSingle {
		memQueue := queue.NewMemoryQueue(
			s.cfg.Queue.Partitions,
			s.cfg.Queue.Buffer,
			s.cfg.Queue.MaxAttempts,
			s.cfg.Queue.RetryInitial(),
			s.cfg.Queue.RetryMax(),
			processor.Process,
			s.logger,
		)
		s.producer = memQueue
		s.worker = noopWorker{}
		return nil
	}

	producer, err := queue.NewNATSProducer(s.cfg.Queue)
	if err != nil {
		return fmt.Errorf("queue producer: %w", err)
	}
	worker, err := queue.NewNATSWorker(s.cfg.Queue, s.logger, processor.Process)
	if err != nil {
		_ = producer.Close()
		return fmt.Errorf("queue worker: %w", err)
	}
	s.producer = producer
	s.worker = worker
	return nil
}

// noopWorker stands in when the producer owns the worker lifecycle.
type noopWorker struct{}

func (noopWorker) Close() error { return nil }

// buildHTTPServer wires the intake and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	router, err := route.New(s.cfg.Routing, diag.NewRegistry(diag.DefaultHandlers()...).Names())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Intake.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Intake.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	intake := ingest.NewHandler(
		s.throttleStore,
		router,
		s.producer,
		s.clk,
		s.cfg.Throttle.Window(),
		s.cfg.Intake.MaxBodyBytes,
		s.logger,
	)
	mux.Handle(s.cfg.Intake.AlertsPath, intake)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Intake.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// parseAgentEndpoint extracts scheme and port from the agent URL.
// The host part is ignored; agents are scraped per alert instance.
// Params: configured secondary URL.
// Returns: scheme, port, or parse error.
func parseAgentEndpoint(raw string) (string, int, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "http"
	}
	port := defaultAgentPort
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, err
		}
	}
	return scheme, port, nil
}
