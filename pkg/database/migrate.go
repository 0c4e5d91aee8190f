package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/logger"
)

// RunMigrations applies all pending migrations from the given directory.
func RunMigrations(cfg *config.DatabaseConfig, migrationsPath string) error {
	m, err := migrate.New("file://"+migrationsPath, cfg.URL())
	if err != nil {
		return fmt.Errorf("unable to initialise migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrations: no pending changes")
			return nil
		}
		return fmt.Errorf("migrations failed: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
