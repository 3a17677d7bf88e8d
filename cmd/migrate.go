package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveService(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Migrate(cmd.Context()); err != nil {
				return err
			}
			zap.L().Info("schema migrated")
			return nil
		},
	}
}
