package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgsecrets/internal/config"
	dserrors "github.com/systmms/cfgsecrets/internal/errors"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

func NewCoordinateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinate",
		Short: "Inspect and mint secret coordinates",
	}

	cmd.AddCommand(newCoordinateParseCommand(cfg))
	cmd.AddCommand(newCoordinateNextCommand(cfg))
	cmd.AddCommand(newCoordinateMintCommand(cfg))

	return cmd
}

func newCoordinateParseCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "parse COORDINATE",
		Short: "Show how a coordinate string is classified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := coordinateFormat(cfg)
			if err != nil {
				return err
			}
			c, err := format.Parse(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			switch v := c.(type) {
			case coordinate.Managed:
				_, _ = fmt.Fprintf(w, "KIND\tmanaged\n")
				_, _ = fmt.Fprintf(w, "BASE\t%s\n", v.Base)
				_, _ = fmt.Fprintf(w, "VERSION\t%d\n", v.Version)
			case coordinate.External:
				_, _ = fmt.Fprintf(w, "KIND\texternal\n")
				_, _ = fmt.Fprintf(w, "ID\t%s\n", v.ID)
			}
			return w.Flush()
		},
	}
}

func newCoordinateNextCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "next COORDINATE",
		Short: "Print the next version of a managed coordinate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := coordinateFormat(cfg)
			if err != nil {
				return err
			}
			c, err := format.Parse(args[0])
			if err != nil {
				return err
			}
			m, ok := c.(coordinate.Managed)
			if !ok {
				return dserrors.UserError{
					Message:    fmt.Sprintf("%s is an external coordinate", args[0]),
					Suggestion: fmt.Sprintf("Only coordinates of the form %s<scope>_<id>_v<N> have versions", format.Prefix),
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), coordinate.Render(coordinate.NextVersion(m)))
			return err
		},
	}
}

func newCoordinateMintCommand(cfg *config.Config) *cobra.Command {
	var scopeID string

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a fresh version 1 coordinate",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(cfg)
			if err != nil {
				return err
			}
			if scopeID == "" {
				scopeID = def.Defaults.ScopeID
			}
			if scopeID == "" {
				return dserrors.ConfigError{
					Field:      "scope",
					Message:    "a scope id is required",
					Suggestion: "Pass --scope or set defaults.scope_id",
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), coordinate.Render(def.Format().Mint(scopeID)))
			return err
		},
	}

	cmd.Flags().StringVar(&scopeID, "scope", "", "Scope id to namespace the coordinate under")

	return cmd
}

func coordinateFormat(cfg *config.Config) (coordinate.Format, error) {
	def, err := loadDefinition(cfg)
	if err != nil {
		return coordinate.Format{}, err
	}
	return def.Format(), nil
}
