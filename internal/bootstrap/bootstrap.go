// Package bootstrap wires configuration, logging, telemetry, the event bus,
// run history and the status server for the command line.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/config"
	"github.com/global-data-controller/osd-equalizer/internal/controller"
	"github.com/global-data-controller/osd-equalizer/internal/eventbus"
	"github.com/global-data-controller/osd-equalizer/internal/history"
	"github.com/global-data-controller/osd-equalizer/internal/logging"
	"github.com/global-data-controller/osd-equalizer/internal/server"
	"github.com/global-data-controller/osd-equalizer/internal/telemetry"
)

// EventSource prefixes the source of published events, which is
// EventSource/<cluster>
const EventSource = "osd-equalizer"

// Bootstrap initializes the core system components
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry
	EventBus  eventbus.EventBus
	History   history.Recorder
	Server    *server.Server
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads and validates configuration, then builds every component.
// flags may be nil.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string, flags *pflag.FlagSet) error {
	cfg, err := config.LoadWithFlags(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.Config = cfg

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	safe := cfg.Redacted()
	logger.Info(ctx, "Configuration loaded successfully",
		zap.String("config_file", configFile),
		zap.String("cluster", safe.Ceph.Cluster),
		zap.String("strategy", safe.Optimizer.Strategy),
		zap.String("termination_mode", safe.Optimizer.TerminationMode),
		zap.Bool("event_bus", safe.EventBus.Enabled),
		zap.String("event_bus_url", safe.EventBus.URL),
		zap.Bool("history", safe.History.Enabled),
		zap.String("log_level", safe.Logging.Level))

	tel, err := telemetry.NewTelemetry(cfg.Telemetry, logger)
	if err != nil {
		logger.Error(ctx, "Failed to initialize telemetry", zap.Error(err))
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel
	telemetry.SetGlobalTelemetry(tel)

	bus, err := eventbus.NewEventBusFromConfig(&cfg.EventBus, logger.Zap())
	if err != nil {
		logger.Error(ctx, "Failed to connect event bus", zap.Error(err))
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	b.EventBus = bus

	recorder, err := history.New(ctx, cfg.History, logger)
	if err != nil {
		logger.Error(ctx, "Failed to open run history", zap.Error(err))
		return fmt.Errorf("failed to initialize history: %w", err)
	}
	b.History = recorder

	return nil
}

// Observer returns the run observers backed by the event bus and history
func (b *Bootstrap) Observer() controller.Observer {
	var observers controller.Observers
	if b.EventBus != nil {
		observers = append(observers, eventbus.NewPublisher(b.EventBus, EventSource+"/"+b.Config.Ceph.Cluster, b.Logger.Zap()))
	}
	if b.History != nil {
		observers = append(observers, b.History)
	}
	return observers
}

// Start starts telemetry and, when enabled, the status server reporting
// status. status may be nil for commands that do not run the controller.
func (b *Bootstrap) Start(ctx context.Context, status server.StatusProvider) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	if b.Telemetry != nil {
		if err := b.Telemetry.Start(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to start telemetry", zap.Error(err))
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
	}

	if b.Config.Server.Enabled {
		b.Server = server.New(b.Config.Server, status, b.Telemetry.Handler(), b.Logger.Zap())
		if err := b.Server.Start(ctx); err != nil {
			return err
		}
		b.Server.SetReady(status != nil)
	}

	b.Logger.Debug(ctx, "All components started successfully")
	return nil
}

// Stop stops all components. Every component is stopped even when an
// earlier one fails.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	var errs []error
	if b.Server != nil {
		errs = append(errs, b.Server.Stop(ctx))
	}
	if b.EventBus != nil {
		if err := b.EventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}
	if b.History != nil {
		if err := b.History.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history: %w", err))
		}
	}
	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop telemetry: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		b.Logger.Error(ctx, "Failed to stop components", zap.Error(err))
	} else {
		b.Logger.Debug(ctx, "All components stopped successfully")
	}

	// stdout sync fails on some terminals
	_ = b.Logger.Sync()
	return err
}
