// Package catalogcheck validates catalog override files before deployment.
package catalogcheck

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/spolepaka/mathraid/internal/services/raid/content"
	"github.com/spolepaka/mathraid/internal/services/raid/domain"
)

// Config holds configuration for a catalog check run.
type Config struct {
	Path string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.Path, "path", cfg.Path, "YAML catalog override file to validate")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the generated catalog, applies the override, and reports the
// fact count per cohort. A bad override fails here instead of at boot.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}

	catalog := content.Build()
	if path := strings.TrimSpace(cfg.Path); path != "" {
		if err := content.LoadOverride(catalog, path); err != nil {
			return fmt.Errorf("load override: %w", err)
		}
	}

	for cohort := domain.MinCohort; cohort <= domain.MaxCohort; cohort++ {
		size := catalog.Size(cohort)
		if size == 0 {
			return fmt.Errorf("cohort %d has no facts", cohort)
		}
		if _, err := fmt.Fprintf(out, "cohort=%d facts=%d\n", cohort, size); err != nil {
			return err
		}
	}
	return nil
}
