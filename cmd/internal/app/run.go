package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"avancira/cmd/internal/db"

	"github.com/spf13/viper"
)

// Setup builds the logger and tracing for a command. The returned function
// flushes pending spans.
func Setup(ctx context.Context, v *viper.Viper, component string) (*slog.Logger, func(), error) {
	cfg := LoadConfig(v)
	log := NewLogger(cfg.LogLevel, cfg.LogFormat).With("component", component)

	shutdown, err := SetupTracing(ctx, cfg.OTelEndpoint, cfg.OTelServiceName+"-"+component)
	if err != nil {
		return nil, nil, err
	}
	return log, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("otel.shutdown.fail", "err", err)
		}
	}, nil
}

// Serve runs the auth server (API and hubs) until ctx is cancelled.
func Serve(ctx context.Context, v *viper.Viper) error {
	log, flush, err := Setup(ctx, v, "api")
	if err != nil {
		return err
	}
	defer flush()

	core, err := NewCore(ctx, v, log)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	a, err := New(core, v)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// ServeBFF runs the cookie gateway until ctx is cancelled.
func ServeBFF(ctx context.Context, v *viper.Viper) error {
	log, flush, err := Setup(ctx, v, "bff")
	if err != nil {
		return err
	}
	defer flush()

	b, err := NewBFF(ctx, v, log)
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// Migrate applies ("up") or rolls back ("down") the schema and reports the
// resulting version.
func Migrate(v *viper.Viper, direction string) (string, error) {
	cfg := LoadConfig(v)
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("migrate: database.url is not set")
	}
	if err := db.Migrate(cfg.DatabaseURL, direction); err != nil {
		return "", err
	}
	return MigrationStatus(v)
}

// MigrationStatus reports the applied schema version.
func MigrationStatus(v *viper.Viper) (string, error) {
	cfg := LoadConfig(v)
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("migrate: database.url is not set")
	}
	version, dirty, err := db.Version(cfg.DatabaseURL)
	if err != nil {
		return "", err
	}
	if dirty {
		return fmt.Sprintf("%d (dirty)", version), nil
	}
	return fmt.Sprintf("%d", version), nil
}

// SweepSessions expires due sessions once and returns how many were marked.
func SweepSessions(ctx context.Context, v *viper.Viper) (int, error) {
	log, flush, err := Setup(ctx, v, "sweep")
	if err != nil {
		return 0, err
	}
	defer flush()

	core, err := NewCore(ctx, v, log)
	if err != nil {
		return 0, err
	}
	defer func() { _ = core.Close() }()
	if core.Pool == nil {
		return 0, fmt.Errorf("sweep: database.url is not set")
	}
	return core.Sessions.Sweep(ctx, time.Now().UTC())
}
