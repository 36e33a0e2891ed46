package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sakuga/internal/replenish"
)

func newReplenishCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replenish",
		Short: "Inspect and control the replenishment loop",
	}
	cmd.AddCommand(newReplenishStatusCommand(ctx))
	cmd.AddCommand(newReplenishToggleCommand(ctx))
	cmd.AddCommand(newReplenishTargetCommand(ctx))
	cmd.AddCommand(newReplenishReadinessCommand(ctx))
	return cmd
}

func newReplenishStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the replenishment loop state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status replenish.Status
			if err := ctx.client().get("/replenishment/status", &status); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}

			rows := [][]string{
				{"Enabled", yesNo(status.Enabled)},
				{"Global target", strconv.Itoa(status.TargetGlobal)},
				{"Daily cap", strconv.Itoa(status.DailyCap)},
				{"In flight", strconv.Itoa(len(status.InFlight))},
			}
			slugs := make([]string, 0, len(status.TargetsByCharacter))
			for slug := range status.TargetsByCharacter {
				slugs = append(slugs, slug)
			}
			sort.Strings(slugs)
			for _, slug := range slugs {
				rows = append(rows, []string{"Target " + slug, strconv.Itoa(status.TargetsByCharacter[slug])})
			}
			counted := make([]string, 0, len(status.DailyCounts))
			for slug := range status.DailyCounts {
				counted = append(counted, slug)
			}
			sort.Strings(counted)
			for _, slug := range counted {
				rows = append(rows, []string{"Today " + slug, strconv.Itoa(status.DailyCounts[slug])})
			}
			for slug, until := range status.PausedCharacters {
				rows = append(rows, []string{"Paused " + slug, until})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newReplenishToggleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <on|off>",
		Short: "Enable or disable replenishment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			if err := ctx.client().post("/replenishment/toggle",
				map[string]bool{"enabled": enabled}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replenishment %s\n", onOff(enabled))
			return nil
		},
	}
}

func newReplenishTargetCommand(ctx *commandContext) *cobra.Command {
	var slugFlag string

	cmd := &cobra.Command{
		Use:   "target <count>",
		Short: "Set the approved-pool target, globally or per character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[0])
			if err != nil {
				return usageErrorf("invalid target %q", args[0])
			}
			body := map[string]any{"target": target}
			if slugFlag != "" {
				body["character_slug"] = slugFlag
			}
			if err := ctx.client().post("/replenishment/target", body, nil); err != nil {
				return err
			}
			if slugFlag != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "target for %s set to %d\n", slugFlag, target)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "global target set to %d\n", target)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&slugFlag, "character", "", "Apply the target to one character")
	return cmd
}

func newReplenishReadinessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "readiness",
		Short: "Report each character's approved pool against its target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Characters []replenish.CharacterReadiness `json:"characters"`
			}
			if err := ctx.client().get("/replenishment/readiness", &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}

			rows := make([][]string, 0, len(payload.Characters))
			for _, entry := range payload.Characters {
				rows = append(rows, []string{
					entry.Slug,
					entry.Project,
					strconv.Itoa(entry.Approved),
					strconv.Itoa(entry.Pending),
					strconv.Itoa(entry.Target),
					yesNo(entry.Ready),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Character", "Project", "Approved", "Pending", "Target", "Ready"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft}))
			return nil
		},
	}
}
