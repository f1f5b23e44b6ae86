package cli

import (
	"github.com/spf13/cobra"
)

func NewMigrateCmd(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the run log tables in Postgres",
		RunE: func(c *cobra.Command, args []string) error {
			return runMigrate(c.Context(), root)
		},
	}
}
