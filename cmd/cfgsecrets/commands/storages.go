package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/internal/config"
	"github.com/systmms/cfgsecrets/internal/persistence"
	"github.com/systmms/cfgsecrets/pkg/configsecrets"
)

func NewStoragesCommand(cfg *config.Config) *cobra.Command {
	var sync bool

	cmd := &cobra.Command{
		Use:   "storages",
		Short: "List secret storages",
		Long: `Display the supported storage types and the storages declared in the
configuration file.

With --sync every declared storage is also recorded as a secret storage
row in the reference database. Credentials are never recorded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			registry := persistence.NewRegistry()

			_, _ = fmt.Fprintln(out, "Supported Storage Types:")
			_, _ = fmt.Fprintln(out, "=======================")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "TYPE\tDESCRIPTION\n")
			_, _ = fmt.Fprintf(w, "----\t-----------\n")
			for _, storageType := range registry.SupportedTypes() {
				_, _ = fmt.Fprintf(w, "%s\t%s\n", storageType, getStorageDescription(storageType))
			}
			_ = w.Flush()

			def, err := loadDefinition(cfg)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(out, "\nConfigured Storages:")
			_, _ = fmt.Fprintln(out, "===================")
			names := def.StorageNames()
			if len(names) == 0 {
				_, _ = fmt.Fprintln(out, "No storages configured")
			} else {
				w2 := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w2, "NAME\tTYPE\tSCOPE\tMODE\tSTATUS\n")
				_, _ = fmt.Fprintf(w2, "----\t----\t-----\t----\t------\n")
				for _, name := range names {
					s := def.SecretStorages[name]
					scope := "instance"
					if st, id, err := s.Scope(); err == nil && id != "" {
						scope = fmt.Sprintf("%s/%s", st, id)
					}
					mode := "read-write"
					if s.ReadOnly {
						mode = "read-only"
					}
					status := "configured"
					if !registry.IsSupported(s.Type) {
						status = "unsupported"
					}
					if name == def.Defaults.Storage {
						status += " (default)"
					}
					_, _ = fmt.Fprintf(w2, "%s\t%s\t%s\t%s\t%s\n", name, s.Type, scope, mode, status)
				}
				_ = w2.Flush()
			}

			if !sync {
				return nil
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := configsecrets.RegisterStorages(ctx, rt.refs, def); err != nil {
				return err
			}
			cfg.Logger.Info("Recorded %d storages", len(names))
			return nil
		},
	}

	cmd.Flags().BoolVar(&sync, "sync", false, "Record configured storages in the reference database")

	return cmd
}

// getStorageDescription returns a description for a storage type
func getStorageDescription(storageType string) string {
	descriptions := map[string]string{
		persistence.TypeMemory:            "In-process map, lost on exit (testing only)",
		persistence.TypeLocal:             "SQL table in Postgres or MySQL",
		persistence.TypeAWSSecretsManager: "AWS Secrets Manager via SDK",
		persistence.TypeAWSParameterStore: "AWS Systems Manager Parameter Store (SecureString)",
		persistence.TypeGCPSecretManager:  "Google Cloud Secret Manager",
		persistence.TypeAzureKeyVault:     "Azure Key Vault",
		persistence.TypeVault:             "HashiCorp Vault KV v2",
		persistence.TypeKeyring:           "OS native keychain (macOS Keychain, Linux Secret Service)",
		persistence.TypeAkeyless:          "Akeyless static secrets",
	}

	if desc, exists := descriptions[storageType]; exists {
		return desc
	}
	return "No description available"
}
