package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sakuga/internal/daemon"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and subsystem status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status daemon.Status
			if err := ctx.client().get("/api/status", &status); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}

			rows := [][]string{
				{"Running", yesNo(status.Running)},
				{"Database", status.DBPath},
				{"DB reachable", yesNo(status.DBReachable)},
			}
			if status.MigrationError != "" {
				rows = append(rows, []string{"Migration error", status.MigrationError})
			}
			rows = append(rows, [][]string{
				{"Projects", strconv.Itoa(status.Projects)},
				{"Pipeline rows", strconv.Itoa(status.PipelineRows)},
				{"Generations", strconv.Itoa(status.Generations)},
				{"Orchestrator", yesNo(status.OrchestratorEnabled)},
				{"Replenishment", yesNo(status.ReplenishmentEnabled)},
				{"Correction", yesNo(status.CorrectionEnabled)},
				{"Training target", strconv.Itoa(status.TrainingTarget)},
				{"Events emitted", strconv.FormatInt(status.Events.EmitsTotal, 10)},
				{"Handler errors", strconv.FormatInt(status.Events.ErrorsTotal, 10)},
			}...)
			names := make([]string, 0, len(status.Breakers))
			for name := range status.Breakers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				rows = append(rows, []string{"Breaker " + name, status.Breakers[name]})
			}
			for _, dep := range status.Dependencies {
				value := "available"
				if !dep.Available {
					value = dep.Detail
				}
				rows = append(rows, []string{dep.Name, value})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}
