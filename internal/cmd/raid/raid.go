// Package raid parses raid command flags and composes the service entrypoint.
package raid

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/spolepaka/mathraid/internal/platform/cmd"
	server "github.com/spolepaka/mathraid/internal/services/raid/app"
	"github.com/spolepaka/mathraid/internal/services/raid/service"
)

// Config holds raid command configuration.
type Config struct {
	HTTPAddr          string        `env:"MATHRAID_HTTP_ADDR"           envDefault:":8090"`
	GRPCAddr          string        `env:"MATHRAID_GRPC_ADDR"           envDefault:":8091"`
	DBPath            string        `env:"MATHRAID_DB_PATH"             envDefault:"data/raid.db"`
	CatalogPath       string        `env:"MATHRAID_CATALOG_PATH"`
	ResumeTokenSecret string        `env:"MATHRAID_RESUME_TOKEN_SECRET"`
	Capacity          int           `env:"MATHRAID_CAPACITY"`
	LiveDeadline      time.Duration `env:"MATHRAID_LIVE_DEADLINE"`
	BatchDeadline     time.Duration `env:"MATHRAID_BATCH_DEADLINE"`
	BatchSize         int           `env:"MATHRAID_BATCH_SIZE"`
	PauseGrace        time.Duration `env:"MATHRAID_PAUSE_GRACE"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "raid HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "raid health probe gRPC address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the raid SQLite database")
	fs.StringVar(&cfg.CatalogPath, "catalog-path", cfg.CatalogPath, "optional YAML catalog override file")
	fs.StringVar(&cfg.ResumeTokenSecret, "resume-token-secret", cfg.ResumeTokenSecret, "secret for learner resume tokens")
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "boss capacity per session")
	fs.DurationVar(&cfg.LiveDeadline, "live-deadline", cfg.LiveDeadline, "raid timer for live sessions")
	fs.DurationVar(&cfg.BatchDeadline, "batch-deadline", cfg.BatchDeadline, "submission window for batch sessions")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "item count front-loaded per batch session")
	fs.DurationVar(&cfg.PauseGrace, "pause-grace", cfg.PauseGrace, "grace window before a paused session is abandoned")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the raid app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRaid, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			GRPCAddr:          cfg.GRPCAddr,
			DBPath:            cfg.DBPath,
			CatalogPath:       cfg.CatalogPath,
			ResumeTokenSecret: cfg.ResumeTokenSecret,
			Session: service.Config{
				Capacity:      cfg.Capacity,
				LiveDeadline:  cfg.LiveDeadline,
				BatchDeadline: cfg.BatchDeadline,
				BatchSize:     cfg.BatchSize,
				PauseGrace:    cfg.PauseGrace,
			},
		}); err != nil {
			return fmt.Errorf("serve raid: %w", err)
		}
		return nil
	})
}
