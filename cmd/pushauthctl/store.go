package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pushauth/internal/config"
	"pushauth/internal/sdk"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Maintain the local factor store",
	}
	cmd.AddCommand(newStoreMoveCmd())
	return cmd
}

func newStoreMoveCmd() *cobra.Command {
	var (
		to   string
		from string
	)
	cmd := &cobra.Command{
		Use:   "move-group",
		Short: "Relocate factors and keys between access groups",
		Long: "Relocate every factor record and its key into --to, or back into the default " +
			"partition from --from. The configured access group is updated on success.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (to == "") == (from == "") {
				return fmt.Errorf("exactly one of --to or --from is required")
			}
			err := withSDK(func(s *sdk.SDK) error {
				if to != "" {
					return s.MoveToAccessGroup(cmd.Context(), to)
				}
				return s.MoveFromAccessGroup(cmd.Context(), from)
			})
			if err != nil {
				return err
			}

			old := opts.cfg.Storage.AccessGroup
			opts.cfg.Storage.AccessGroup = to
			if err := config.SaveConfig(opts.cfg, configFile()); err != nil {
				return fmt.Errorf("records moved but config not saved: %w", err)
			}
			return opts.audit.LogConfigChange(cmd.Context(), "storage.access_group", old, to)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination access group")
	cmd.Flags().StringVar(&from, "from", "", "access group to move out of")
	return cmd
}
