package cmd

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/agentmesh/agent-hub/config"
	"github.com/agentmesh/agent-hub/internal/adapter/archive"
	"github.com/agentmesh/agent-hub/internal/domain/registry"
	"github.com/agentmesh/agent-hub/internal/engine"
)

// logLevel is shared with the config watcher for hot reload.
var logLevel = new(slog.LevelVar)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	logLevel.Set(parseLevel(cfg.Log.Level))

	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if cfg.Log.JSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(h).With("service", ServiceName)
	slog.SetDefault(log)
	return log
}

func ProvideTracerProvider(lc fx.Lifecycle) trace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp
}

func ProvideEngine(cfg *config.Config, reg *registry.Hub, t engine.Transport, log *slog.Logger) *engine.Engine {
	opts := []engine.Option{engine.WithLogger(log)}
	if cfg.Archive.URL != "" {
		store := archive.NewClient(cfg.Archive.URL, cfg.Archive.Timeout)
		opts = append(opts, engine.WithAuditor(archive.NewAuditor(store, log)))
	}

	return engine.New(engine.Config{
		DeliveryTimeout: cfg.Delivery.Timeout,
		AckTimeout:      cfg.Delivery.AckTimeout,
		MaxRetries:      cfg.Delivery.MaxRetries,
		BaseBackoff:     cfg.Delivery.BaseBackoff,
		SweepInterval:   cfg.Sweeper.Interval,
		EvictionAge:     cfg.Sweeper.EvictionAge,
		Enhanced:        cfg.Enhanced,
	}, reg, t, opts...)
}
