package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/internal/config"
	dserrors "github.com/systmms/cfgsecrets/internal/errors"
)

func NewReferencesCommand(cfg *config.Config) *cobra.Command {
	var ownerID string

	cmd := &cobra.Command{
		Use:   "references",
		Short: "List the active secret references of a configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if ownerID == "" {
				return dserrors.ConfigError{Field: "owner", Message: "an owner id is required"}
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			if rt.def.References.DSN == "" {
				cfg.Logger.Warn("references.dsn is not set; nothing has been recorded")
			}

			refs, err := rt.refs.ActiveReferences(ctx, ownerID)
			if err != nil {
				return dserrors.StorageError("references", "list", err)
			}
			if len(refs) == 0 {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "No active references for %s\n", ownerID)
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "PATH\tSECRET CONFIG\tSINCE\n")
			_, _ = fmt.Fprintf(w, "----\t-------------\t-----\n")
			for _, ref := range refs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", ref.Path, ref.SecretConfigID, ref.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&ownerID, "owner", "", "Configuration owner id")

	return cmd
}
