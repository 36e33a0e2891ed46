package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sakuga/internal/orchestrator"
)

func parseProjectID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, usageErrorf("invalid project id %q", arg)
	}
	return id, nil
}

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	var summaryFlag bool

	cmd := &cobra.Command{
		Use:   "pipeline <project-id>",
		Short: "Show a project's pipeline state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}

			if summaryFlag {
				var payload map[string]string
				path := fmt.Sprintf("/orchestrator/summary/%d", projectID)
				if err := ctx.client().get(path, &payload); err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), payload["summary"])
				return nil
			}

			var snapshot map[string][]orchestrator.EntitySnapshot
			path := fmt.Sprintf("/orchestrator/pipeline/%d", projectID)
			if err := ctx.client().get(path, &snapshot); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, snapshot)
			}

			keys := make([]string, 0, len(snapshot))
			for key := range snapshot {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			var rows [][]string
			for _, key := range keys {
				for _, entry := range snapshot[key] {
					rows = append(rows, []string{
						key, entry.Phase, entry.Status, entry.Progress, entry.BlockedReason,
					})
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Entity", "Phase", "Status", "Progress", "Blocked"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&summaryFlag, "summary", false, "Print the human-readable summary instead")
	return cmd
}

func newInitCommand(ctx *commandContext) *cobra.Command {
	var targetFlag int

	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Enroll a project and its characters into the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			body := map[string]any{"project_id": projectID}
			if targetFlag > 0 {
				body["training_target"] = targetFlag
			}
			if err := ctx.client().post("/orchestrator/initialize", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %d enrolled\n", projectID)
			return nil
		},
	}
	cmd.Flags().IntVar(&targetFlag, "training-target", 0, "Approved-image target per character")
	return cmd
}

func newToggleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "toggle <on|off>",
		Short:     "Enable or disable the orchestrator",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			if err := ctx.client().post("/orchestrator/toggle",
				map[string]bool{"enabled": enabled}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s\n", onOff(enabled))
			return nil
		},
	}
}

func newTickCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one synchronous orchestrator pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().post("/orchestrator/tick", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tick complete")
			return nil
		},
	}
}

func newOverrideCommand(ctx *commandContext) *cobra.Command {
	var reasonFlag string

	cmd := &cobra.Command{
		Use:   "override <entity-type> <entity-id> <phase> <skip|reset|complete>",
		Short: "Force a phase transition outside the gate logic",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || entityID <= 0 {
				return usageErrorf("invalid entity id %q", args[1])
			}
			body := map[string]any{
				"entity_type": args[0],
				"entity_id":   entityID,
				"phase":       args[2],
				"action":      args[3],
				"reason":      reasonFlag,
			}
			if err := ctx.client().post("/orchestrator/override", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s for %s %d\n", args[3], args[2], args[0], entityID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reasonFlag, "reason", "", "Reason recorded in the audit trail")
	return cmd
}

func newTrainingTargetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "training-target <count>",
		Short: "Set the approved-image target for character gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil {
				return usageErrorf("invalid target %q", args[0])
			}
			if err := ctx.client().post("/orchestrator/training-target",
				map[string]int{"target": target}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "training target set to %d\n", target)
			return nil
		},
	}
}

func parseOnOff(arg string) (bool, error) {
	switch arg {
	case "on", "true", "enable":
		return true, nil
	case "off", "false", "disable":
		return false, nil
	default:
		return false, usageErrorf("expected on or off, got %q", arg)
	}
}

func onOff(value bool) string {
	if value {
		return "enabled"
	}
	return "disabled"
}
