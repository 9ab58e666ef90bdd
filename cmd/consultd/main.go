// Consultd runs consultation sessions and serves them over HTTP.
//
// Configuration is loaded from ~/.config/consultd/config.yaml (or the file
// given with -config) and CONSULTD_* environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	consultd
//
//	# Use an explicit config file and enable extraction
//	CONSULTD_EXTRACTION_PROVIDER=anthropic CONSULTD_EXTRACTION_API_KEY=... \
//	  consultd -config /etc/consultd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/consultd/internal/config"
	"github.com/fyrsmithlabs/consultd/internal/consultation"
	"github.com/fyrsmithlabs/consultd/internal/extraction"
	"github.com/fyrsmithlabs/consultd/internal/finalize"
	consulthttp "github.com/fyrsmithlabs/consultd/internal/http"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/logging"
	"github.com/fyrsmithlabs/consultd/internal/notify"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/fyrsmithlabs/consultd/internal/scheduler"
	"github.com/fyrsmithlabs/consultd/internal/store"
	"github.com/fyrsmithlabs/consultd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/consultd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  consultd [-config path]   Start the consultd daemon\n")
			fmt.Fprintf(os.Stderr, "  consultd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("consultd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts consultd and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration
//  2. Start telemetry, then the logger on top of it
//  3. Open the session store and the notifier
//  4. Build the extraction adapter, lifecycle machine, finalize pipeline
//     and session service
//  5. Serve HTTP
//
// Shutdown runs in reverse: stop HTTP, finalize live sessions with reason
// disconnect, then flush telemetry.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	logger, err := logging.NewLogger(logging.FromConfig(cfg.Logging, cfg.Observability.ServiceName), tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	logger.Info(ctx, "starting consultd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("extraction_provider", cfg.Extraction.Provider),
		zap.Bool("notify", cfg.Notify.Enabled),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))
	if h := tel.Health(); !h.Healthy || h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("problems", h.Problems))
	}

	deps, err := initDependencies(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svc, err := initService(ctx, cfg, deps, tel, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize session service: %w", err)
	}

	srv, err := consulthttp.NewServer(svc, zl,
		&consulthttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		consulthttp.WithMetrics(consulthttp.NewHTTPMetrics(tel.Meter(logging.InstrumentationName), zl)),
		consulthttp.WithTracer(tel.Tracer(logging.InstrumentationName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error(ctx, "http server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	errs := []error{serveErr}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	logger.Info(ctx, "consultd stopped", zap.Int("live_sessions", len(svc.Live())))
	return errors.Join(errs...)
}

// dependencies holds infrastructure owned by the process.
type dependencies struct {
	store    store.Store
	notifier notify.Notifier
	nats     *notify.NATSNotifier
	adapter  extraction.Adapter
	logger   *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.nats != nil {
		if err := d.nats.Close(); err != nil {
			d.logger.Warn("failed to close NATS connection", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close session store", zap.Error(err))
		}
	}
}

// initDependencies opens the session store, connects the notifier and
// builds the extraction adapter.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	path, err := config.ExpandHome(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	deps.store = st
	logger.Info("session store opened", zap.String("path", path), zap.Bool("durable", path != ""))

	if cfg.Notify.Enabled {
		nn, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.nats = nn
		deps.notifier = nn
		logger.Info("connected to NATS",
			zap.String("url", cfg.Notify.NATSURL),
			zap.String("subject_prefix", cfg.Notify.SubjectPrefix))
	}

	adapter, err := extraction.NewAdapter(extractionConfig(cfg.Extraction), logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create extraction adapter: %w", err)
	}
	deps.adapter = adapter
	return deps, nil
}

// initService wires the lifecycle machine, finalize pipeline and session
// service with per-package metrics.
func initService(ctx context.Context, cfg *config.Config, deps *dependencies, tel *telemetry.Telemetry, logger *zap.Logger) (*consultation.Service, error) {
	schema, err := buildSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}

	lifecycleMetrics, err := lifecycle.NewMetrics(tel.Meter(lifecycle.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("lifecycle metrics: %w", err)
	}
	finalizeMetrics, err := finalize.NewMetrics(tel.Meter(finalize.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("finalize metrics: %w", err)
	}
	serviceMetrics, err := consultation.NewMetrics(tel.Meter(consultation.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("consultation metrics: %w", err)
	}

	machine := lifecycle.NewMachine(deps.store,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(lifecycleMetrics))

	pipelineOpts := []finalize.Option{
		finalize.WithLogger(logger),
		finalize.WithMetrics(finalizeMetrics),
	}
	if deps.notifier != nil {
		pipelineOpts = append(pipelineOpts, finalize.WithNotifier(deps.notifier))
	}
	pipeline := finalize.New(deps.store, machine, finalizeConfig(cfg), pipelineOpts...)

	svc := consultation.NewService(deps.store, deps.adapter, machine, pipeline, serviceConfig(cfg),
		consultation.WithLogger(logger),
		consultation.WithMetrics(serviceMetrics),
		consultation.WithSchema(schema),
		consultation.WithContext(ctx),
	)
	logger.Info("session service ready",
		zap.Int("schema_fields", schema.Len()),
		zap.Float64("min_review_completion", cfg.Review.MinCompletion))
	return svc, nil
}

func extractionConfig(c config.ExtractionConfig) extraction.Config {
	return extraction.Config{
		Provider:          c.Provider,
		Model:             c.Model,
		APIKey:            c.APIKey.Value(),
		BaseURL:           c.BaseURL,
		MaxTokens:         c.MaxTokens,
		RequestsPerMinute: c.RequestsPerMinute,
		Burst:             c.Burst,
	}
}

func finalizeConfig(cfg *config.Config) finalize.Config {
	return finalize.Config{
		Timeout:        cfg.Finalize.Timeout.Duration(),
		PersistRetries: cfg.Finalize.PersistRetries,
		PersistBackoff: cfg.Finalize.PersistBackoff.Duration(),
		PersistGrace:   cfg.Finalize.PersistGrace.Duration(),
		NotifyTimeout:  cfg.Notify.Timeout.Duration(),
	}
}

func serviceConfig(cfg *config.Config) consultation.Config {
	out := consultation.DefaultConfig()
	out.Scheduler = scheduler.Config{
		WindowSize:      cfg.Scheduler.WindowSize,
		MinInterval:     cfg.Scheduler.MinInterval.Duration(),
		SignalThreshold: cfg.Scheduler.SignalThreshold,
		ExtractTimeout:  cfg.Scheduler.ExtractTimeout.Duration(),
		MaxRetries:      cfg.Scheduler.MaxRetries,
		BaseBackoff:     cfg.Scheduler.BaseBackoff.Duration(),
	}
	out.CorrectionMargin = cfg.Merge.CorrectionMargin
	out.MinReviewCompletion = cfg.Review.MinCompletion
	return out
}

// buildSchema returns the configured schema, or the built-in consultation
// schema when none is configured.
func buildSchema(c config.SchemaConfig) (*record.Schema, error) {
	if len(c.Fields) == 0 {
		return record.DefaultSchema(), nil
	}
	specs := make([]record.FieldSpec, 0, len(c.Fields))
	for _, f := range c.Fields {
		kind := record.FieldKind(f.Kind)
		if kind == "" {
			kind = record.KindScalar
		}
		specs = append(specs, record.FieldSpec{
			Name:        f.Name,
			Kind:        kind,
			Correctable: f.Correctable,
			Aliases:     f.Aliases,
			Description: f.Description,
		})
	}
	schema, err := record.NewSchema(specs)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}
