package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var serverFlag string
	var configFlag string
	var tokenFlag string
	var jsonFlag bool

	ctx := newCommandContext(&serverFlag, &configFlag, &tokenFlag, &jsonFlag)

	rootCmd := &cobra.Command{
		Use:           "sakuga",
		Short:         "Operator CLI for the sakuga production daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Daemon API address (default from config)")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (default $SAKUGA_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Emit raw JSON instead of tables")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newPipelineCommand(ctx))
	rootCmd.AddCommand(newInitCommand(ctx))
	rootCmd.AddCommand(newToggleCommand(ctx))
	rootCmd.AddCommand(newTickCommand(ctx))
	rootCmd.AddCommand(newOverrideCommand(ctx))
	rootCmd.AddCommand(newTrainingTargetCommand(ctx))
	rootCmd.AddCommand(newReplenishCommand(ctx))
	rootCmd.AddCommand(newLearningCommand(ctx))
	rootCmd.AddCommand(newGatesCommand(ctx))
	rootCmd.AddCommand(newCorrectionCommand(ctx))
	rootCmd.AddCommand(newAuditCommand(ctx))
	rootCmd.AddCommand(newEventsCommand(ctx))
	rootCmd.AddCommand(newGPUCommand(ctx))

	return rootCmd
}
