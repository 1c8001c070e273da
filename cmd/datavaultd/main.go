// Command datavaultd runs the LLM data vault service: it wires the
// configuration, vault store, analysis agent, offload pipeline, query
// engine, HTTP retrieval API, and janitor heartbeat together, then
// serves HTTP until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/llmvault/datavault/analysis"
	"github.com/llmvault/datavault/janitor"
	"github.com/llmvault/datavault/pipeline"
	"github.com/llmvault/datavault/query"
	"github.com/llmvault/datavault/server"
	"github.com/llmvault/datavault/vault"
	"github.com/llmvault/datavault/vaultconfig"
	"github.com/llmvault/datavault/vaultotel"
)

// Set via ldflags at build time.
var version = "dev"

// shutdownGrace bounds how long in-flight requests get to finish during
// a graceful shutdown.
const shutdownGrace = 10 * time.Second

// exitError carries a specific process exit code; Cobra's RunE returns
// this to signal main the desired exit code.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string { return e.message }

func exitErrorf(code int, format string, args ...any) *exitError {
	return &exitError{code: code, message: fmt.Sprintf(format, args...)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "datavaultd",
	Short:        "LLM Data Vault service",
	Long:         "datavaultd — offloads oversized tool results to a TTL-governed vault and serves them back by handle.",
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("datavaultd version %s\n", version))
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP retrieval API and janitor heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().String("config", "", "Path to vault.yaml (optional; discovered by convention if unset)")
	return cmd
}

// initTelemetry wires a tracer and meter for the service's lifetime. With
// no OTLP endpoint configured it falls back to the global no-op providers,
// so vaultotel calls remain safe but inert.
func initTelemetry(ctx context.Context, cfg vaultconfig.Config) (trace.Tracer, metric.Meter, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return otel.Tracer("datavault"), otel.Meter("datavault"), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(mp)

	shutdown := func(shutdownCtx context.Context) error {
		err1 := tp.Shutdown(shutdownCtx)
		err2 := mp.Shutdown(shutdownCtx)
		if err1 != nil {
			return err1
		}
		return err2
	}
	return tp.Tracer("datavault"), mp.Meter("datavault"), shutdown, nil
}

func runServe(ctx context.Context, configPath string) error {
	logger := slog.Default()

	cfg, err := vaultconfig.Load(configPath)
	if err != nil {
		return exitErrorf(2, "config: %v", err)
	}

	rawTracer, meter, shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return exitErrorf(2, "telemetry: %v", err)
	}
	defer shutdownTelemetry(context.Background())

	tracer := vaultotel.NewTracer(rawTracer)
	metrics, err := vaultotel.NewMetrics(meter)
	if err != nil {
		return exitErrorf(2, "telemetry metrics: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return exitErrorf(2, "invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	store, err := vault.NewRedisStore(vault.RedisStoreConfig{
		Redis:       rdb,
		TTL:         cfg.TTL,
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
		Tracer:      tracer,
		Metrics:     metrics,
	})
	if err != nil {
		return exitErrorf(2, "vault store: %v", err)
	}

	var agent analysis.Agent
	if cfg.AnthropicAPIKey != "" {
		client := sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		agent, err = analysis.NewAnthropicAgent(analysis.AnthropicAgentConfig{
			Client:  &client.Messages,
			Model:   cfg.AnalysisModel,
			Timeout: cfg.AnalysisTimeout,
			Logger:  logger,
		})
		if err != nil {
			return exitErrorf(2, "analysis agent: %v", err)
		}
	} else {
		logger.Warn("DATA_VAULT_ANTHROPIC_API_KEY not set; offload pipeline will pass all tool results through unmodified")
	}

	pipe := pipeline.New(pipeline.Config{
		Vault:   store,
		Agent:   agent,
		Limits:  vault.Limits{MaxRows: cfg.MaxInlineRows, MaxBytes: cfg.MaxInlineBytes, MaxTokens: cfg.MaxInlineTokens},
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
	})
	_ = pipe // wired into upstream tool callers, not the HTTP surface itself

	queryEngine, err := query.New(query.Config{Vault: store, Logger: logger, Tracer: tracer, Metrics: metrics})
	if err != nil {
		return exitErrorf(2, "query engine: %v", err)
	}
	defer queryEngine.Close()

	j, err := janitor.New(janitor.Config{Redis: rdb, Meter: meter, Logger: logger})
	if err != nil {
		return exitErrorf(2, "janitor: %v", err)
	}
	if err := j.Start(ctx); err != nil {
		return exitErrorf(2, "janitor start: %v", err)
	}
	defer j.Stop(context.Background())

	srv := server.NewServer(server.ServerConfig{Vault: store, Logger: logger})

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Handler()}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("datavaultd listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitErrorf(1, "http server: %v", err)
		}
		return nil
	}
}
