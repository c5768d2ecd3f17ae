package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/batchrun/pkg/batchrun"
	"github.com/randalmurphal/batchrun/pkg/batchrun/config"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/observability"
	"github.com/randalmurphal/batchrun/pkg/batchrun/shard"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

// loadConfig reads path, or falls back to defaults for steps when path is empty.
func loadConfig(path string, steps []string) (config.EngineConfig, error) {
	if path == "" {
		cfg := config.DefaultEngineConfig(steps...)
		return cfg, cfg.Validate()
	}
	c, err := config.FromFile(path)
	if err != nil {
		return config.EngineConfig{}, err
	}
	if !c.Has("steps") {
		data := maps.Clone(c.Raw())
		if data == nil {
			data = make(map[string]any)
		}
		data["steps"] = steps
		c = config.New(data)
	}
	return config.EngineFromConfig(c)
}

func newLogger(w io.Writer, obs config.ObservabilityConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	if obs.LogLevel != "" {
		if err := level.UnmarshalText([]byte(obs.LogLevel)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", obs.LogLevel, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(obs.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", obs.LogFormat)
	}
}

// openStore connects the backend named by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "", "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("store.redis_addr is required for the redis driver")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts := []store.RedisOption{store.WithRedisLogger(logger)}
		if cfg.RedisNamespace != "" {
			opts = append(opts, store.WithRedisNamespace(cfg.RedisNamespace))
		}
		s := store.NewRedisStore(client, opts...)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return &redisCloser{RedisStore: s, client: client}, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("store.postgres_dsn is required for the postgres driver")
		}
		return store.OpenPostgresStore(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN}, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// redisCloser closes the client the CLI created; RedisStore leaves it open.
type redisCloser struct {
	*store.RedisStore
	client *redis.Client
}

func (r *redisCloser) Close() error { return r.client.Close() }

func newExporter(cfg config.ExportConfig) (*export.DirExporter, error) {
	switch strings.ToLower(cfg.Format) {
	case "", "csv":
		return export.NewDirExporter(cfg.Dir, cfg.Prefix, export.CSVEncoder{}), nil
	case "xlsx":
		return export.NewDirExporter(cfg.Dir, cfg.Prefix, export.XLSXEncoder{}), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", cfg.Format)
	}
}

// telemetry holds the OpenTelemetry providers enabled by configuration.
type telemetry struct {
	reader *sdkmetric.ManualReader
	mp     *sdkmetric.MeterProvider
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

func newTelemetry(obs config.ObservabilityConfig, logger *slog.Logger) *telemetry {
	t := &telemetry{logger: logger}
	if obs.Metrics {
		t.reader = sdkmetric.NewManualReader()
		t.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(t.reader))
	}
	if obs.Tracing {
		t.tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(&logSpanExporter{logger: logger}))
	}
	return t
}

func (t *telemetry) options() []batchrun.Option {
	var opts []batchrun.Option
	if t.mp != nil {
		opts = append(opts, batchrun.WithMetrics(observability.NewMetricsRecorder(t.mp)))
	}
	if t.tp != nil {
		opts = append(opts, batchrun.WithSpanManager(observability.NewSpanManager(t.tp)))
	}
	return opts
}

// Shutdown logs collected metric totals and flushes the providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.reader != nil {
		var rm metricdata.ResourceMetrics
		if err := t.reader.Collect(ctx, &rm); err != nil {
			errs = append(errs, err)
		} else {
			logMetricTotals(t.logger, rm)
		}
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func logMetricTotals(logger *slog.Logger, rm metricdata.ResourceMetrics) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				logger.Info("metric", slog.String("name", m.Name), slog.Int64("total", total))
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				logger.Info("metric", slog.String("name", m.Name), slog.Uint64("count", count), slog.Float64("sum", sum))
			case metricdata.Histogram[int64]:
				var count uint64
				var sum int64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				logger.Info("metric", slog.String("name", m.Name), slog.Uint64("count", count), slog.Int64("sum", sum))
			}
		}
	}
}

// logSpanExporter writes finished spans to the log at debug level.
type logSpanExporter struct {
	logger *slog.Logger
}

func (e *logSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			slog.String("span", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
		}
		if d := s.Status().Description; d != "" {
			attrs = append(attrs, slog.String("error", d))
		}
		e.logger.DebugContext(ctx, "span", attrs...)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error { return nil }

func readItems(path string, minLen int) ([]string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return shard.ParseItems(string(data), minLen), nil
}
