package app

import (
	"bufio"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/studyhub/groupchannel/database"
	"github.com/studyhub/groupchannel/internal/config"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Session store migration tool",
		Long: `Migration tool for the schema of the Postgres session store.
Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := cmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateDownCmd())
	return cmd
}

// setupMigration loads the configuration and creates the migrator for its database
func setupMigration(cmd *cobra.Command) (*config.DatabaseConfig, database.Migrator, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.GetSessionStoreType() != config.SessionStorePostgres {
		return nil, nil, fmt.Errorf("migrations require the %s session store", config.SessionStorePostgres)
	}

	db := cfg.SessionStore.Database
	connString, err := db.GetConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return db, m, nil
}

func closeMigrator(m database.Migrator) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		slog.Error("Error closing migration source", "error", sourceErr)
	}
	if dbErr != nil {
		slog.Error("Error closing database connection", "error", dbErr)
	}
}

// confirm asks a yes/no question on the terminal
func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s (yes/no): ", prompt)
	response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && response == "" {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "yes" || response == "y"
}

func displayMigrationVersion(m database.Migrator) {
	version, dirty, err := m.Version()
	if err != nil {
		slog.Info("No migration applied", "reason", err)
		return
	}

	if dirty {
		slog.Warn("Current migration version is dirty, manual intervention may be required", "version", version)
	} else {
		slog.Info("Current migration version", "version", version)
	}
}
