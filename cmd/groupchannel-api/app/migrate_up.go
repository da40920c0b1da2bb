package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/studyhub/groupchannel/database"
)

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending session store migrations",
		Long: `Apply pending migrations to bring the session store schema up to date.
The database connection parameters are read from the config file.`,
		RunE: runMigrateUp,
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	db, m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	if !yes {
		prompt := fmt.Sprintf("About to apply migrations to %s@%s:%d/%s. Continue?", db.User, db.Host, db.Port, db.Database)
		if !confirm(cmd, prompt) {
			slog.Info("Migration cancelled")
			return fmt.Errorf("migration cancelled by user")
		}
	}

	if err := executeMigrateUp(m, numSteps); err != nil {
		return err
	}

	displayMigrationVersion(m)
	return nil
}

func executeMigrateUp(m database.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Info("Applying all pending migrations")
		err = m.Up()
	} else {
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		slog.Info("Applying migrations", "steps", numSteps)
		err = m.Steps(int(numSteps)) // #nosec G115 -- overflow checked above
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No migrations to apply - schema is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	return nil
}
