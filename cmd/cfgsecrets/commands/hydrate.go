package commands

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/internal/config"
	"github.com/systmms/cfgsecrets/internal/hydrate"
	"github.com/systmms/cfgsecrets/pkg/configsecrets"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

func NewHydrateCommand(cfg *config.Config) *cobra.Command {
	var (
		scopeID   string
		scopeType string
		inputPath string
		list      bool
	)

	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Resolve coordinates in a redacted configuration",
		Long: `Hydrate replaces every coordinate in a redacted configuration with the
stored plaintext and prints the result. If any coordinate cannot be
resolved nothing is printed.

WARNING: the output contains plaintext secrets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			redacted, err := readJSONObject(inputPath)
			if err != nil {
				return err
			}

			if list {
				def, err := loadDefinition(cfg)
				if err != nil {
					return err
				}
				return listCoordinates(cmd, hydrate.New(def.Format(), nil).Coordinates(redacted))
			}

			st, err := parseScopeType(scopeType)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			full, err := rt.engine.Hydrate(ctx, configsecrets.HydrateRequest{
				ScopeID:   scopeID,
				ScopeType: st,
				Config:    redacted,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), full)
		},
	}

	cmd.Flags().StringVar(&scopeID, "scope", "", "Scope id whose storages hold the secrets (default: defaults.scope_id)")
	cmd.Flags().StringVar(&scopeType, "scope-type", "workspace", "Scope type: workspace, organization or instance")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Redacted configuration JSON file, - for stdin")
	cmd.Flags().BoolVar(&list, "list", false, "Only list the coordinates that would be resolved")

	return cmd
}

func listCoordinates(cmd *cobra.Command, coords map[string]coordinate.Coordinate) error {
	paths := make([]string, 0, len(coords))
	for p := range coords {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "PATH\tKIND\tCOORDINATE\n")
	for _, p := range paths {
		c := coords[p]
		kind := "external"
		if coordinate.IsManaged(c) {
			kind = "managed"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p, kind, coordinate.Render(c))
	}
	return w.Flush()
}
