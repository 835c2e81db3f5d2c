package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/internal/config"
	"github.com/systmms/cfgsecrets/pkg/configsecrets"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

type splitOutput struct {
	Redacted      map[string]interface{} `json:"redacted"`
	SecretConfigs []secretConfigOutput   `json:"secret_configs"`
	Paths         []pathOutput           `json:"paths"`
	StorageID     string                 `json:"storage_id"`
}

type secretConfigOutput struct {
	Coordinate string `json:"coordinate"`
	Version    uint64 `json:"version"`
	ScopeType  string `json:"scope_type"`
	ScopeID    string `json:"scope_id"`
	StorageID  string `json:"storage_id"`
}

type pathOutput struct {
	Path       string `json:"path"`
	Coordinate string `json:"coordinate"`
	Managed    bool   `json:"managed"`
}

func NewSplitCommand(cfg *config.Config) *cobra.Command {
	var (
		scopeID      string
		scopeType    string
		ownerID      string
		inputPath    string
		schemaPath   string
		previousPath string
	)

	cmd := &cobra.Command{
		Use:   "split",
		Short: "Extract secrets from a configuration",
		Long: `Split stores every secret field of a configuration in the scope's secret
storage and prints the redacted configuration with coordinates in place
of the values.

Pass the previously stored redacted configuration with --previous so
unchanged secrets keep their coordinate and changed ones are rotated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := parseScopeType(scopeType)
			if err != nil {
				return err
			}
			input, err := readJSONObject(inputPath)
			if err != nil {
				return err
			}
			schema, err := readInput(schemaPath)
			if err != nil {
				return err
			}
			var previous map[string]interface{}
			if previousPath != "" {
				if previous, err = readJSONObject(previousPath); err != nil {
					return err
				}
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.engine.Split(ctx, configsecrets.SplitRequest{
				ScopeID:   scopeID,
				ScopeType: st,
				OwnerID:   ownerID,
				Config:    input,
				Schema:    schema,
				Previous:  previous,
			})
			var commitErr configsecrets.CommitError
			if err != nil && !errors.As(err, &commitErr) {
				return err
			}

			if werr := writeJSON(cmd.OutOrStdout(), newSplitOutput(res)); werr != nil {
				return werr
			}
			if err != nil {
				cfg.Logger.Warn("Secrets were stored but reference rows were not recorded; re-run split to retry")
				return err
			}
			cfg.Logger.Info("Split %d secret paths, %d new secret versions", len(res.Paths), len(res.SecretConfigs))
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeID, "scope", "", "Scope id secrets are namespaced under (default: defaults.scope_id)")
	cmd.Flags().StringVar(&scopeType, "scope-type", "workspace", "Scope type: workspace, organization or instance")
	cmd.Flags().StringVar(&ownerID, "owner", "", "Configuration owner id recorded on reference rows")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Configuration JSON file, - for stdin")
	cmd.Flags().StringVarP(&schemaPath, "schema", "s", "", "JSON schema marking secret fields")
	cmd.Flags().StringVarP(&previousPath, "previous", "p", "", "Previously stored redacted configuration")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}

func newSplitOutput(res *configsecrets.SplitResult) splitOutput {
	out := splitOutput{
		Redacted:      res.Redacted,
		SecretConfigs: []secretConfigOutput{},
		Paths:         []pathOutput{},
		StorageID:     res.StorageID,
	}
	for _, sc := range res.SecretConfigs {
		out.SecretConfigs = append(out.SecretConfigs, secretConfigOutput{
			Coordinate: sc.FullCoordinate(),
			Version:    sc.Version,
			ScopeType:  string(sc.ScopeType),
			ScopeID:    sc.ScopeID,
			StorageID:  sc.StorageID,
		})
	}
	for _, p := range res.Paths {
		out.Paths = append(out.Paths, pathOutput{
			Path:       p.Path,
			Coordinate: coordinate.Render(p.Coordinate),
			Managed:    coordinate.IsManaged(p.Coordinate),
		})
	}
	return out
}
