package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"sakuga/internal/store"
)

func newGatesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Inspect and tune quality-gate thresholds",
	}
	cmd.AddCommand(newGatesListCommand(ctx))
	cmd.AddCommand(newGatesSetCommand(ctx))
	return cmd
}

func gateRows(gates []*store.QualityGate) [][]string {
	rows := make([][]string, 0, len(gates))
	for _, gate := range gates {
		rows = append(rows, []string{
			gate.Name,
			gate.GateType,
			fmt.Sprintf("%.2f", gate.Threshold),
			yesNo(gate.Active),
		})
	}
	return rows
}

func newGatesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured quality gates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Gates []*store.QualityGate `json:"gates"`
			}
			if err := ctx.client().get("/quality/gates", &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Name", "Type", "Threshold", "Active"}, gateRows(payload.Gates),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
			return nil
		},
	}
}

func newGatesSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <threshold>",
		Short: "Update one gate's threshold",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return usageErrorf("invalid threshold %q", args[1])
			}
			var gate store.QualityGate
			path := "/quality/gates/" + url.PathEscape(args[0])
			if err := ctx.client().post(path, map[string]float64{"threshold": threshold}, &gate); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s threshold set to %.2f\n", gate.Name, gate.Threshold)
			return nil
		},
	}
}
