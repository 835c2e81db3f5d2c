package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/internal/config"
	dserrors "github.com/systmms/cfgsecrets/internal/errors"
	"github.com/systmms/cfgsecrets/internal/references"
)

func NewMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the reference tables",
		Long: `Create the secret_storage, secret_config and secret_reference tables in
the database named by references.dsn. Existing tables are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			def, err := loadDefinition(cfg)
			if err != nil {
				return err
			}
			if def.References.DSN == "" {
				return dserrors.ConfigError{
					Field:      "references.dsn",
					Message:    "no reference database configured",
					Suggestion: "Set references.dsn or " + config.EnvReferencesDSN,
				}
			}

			store, err := references.OpenSQLStore(ctx, def.References.Driver, def.References.DSN)
			if err != nil {
				return dserrors.StorageError("references", "connect", err)
			}
			defer func() { _ = store.Close() }()

			if err := store.Migrate(ctx); err != nil {
				return dserrors.StorageError("references", "migrate", err)
			}
			cfg.Logger.Info("Reference tables are up to date")
			return nil
		},
	}
}
