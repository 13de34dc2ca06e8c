package cli

import (
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/invoicing/internal/app"
	"github.com/odyssey-erp/invoicing/internal/platform/db"
	"github.com/odyssey-erp/invoicing/migrations"
)

// MigrateCommand runs action ("up", "down" or "version") against the schema.
// steps limits how many migrations "down" reverts; 0 reverts all.
func MigrateCommand(cfg *app.Config, logger *slog.Logger, action string, steps int, out CommandIO) int {
	out.defaults()
	switch action {
	case "up", "down", "version":
	default:
		_, _ = fmt.Fprintf(out.Stderr, "migrate: unknown action %q (expected up, down or version)\n", action)
		return 2
	}
	m, err := db.NewMigrator(migrations.FS, cfg.PGDSN, logger)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "migrate: %v\n", err)
		return 1
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()

	switch action {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down(steps)
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			err = verr
			break
		}
		_, _ = fmt.Fprintf(out.Stdout, "version %d dirty=%t\n", version, dirty)
	}
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "migrate %s: %v\n", action, err)
		return 1
	}
	return 0
}
