package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sakuga/internal/correction"
	"sakuga/internal/events"
	"sakuga/internal/gpu"
	"sakuga/internal/store"
)

func newCorrectionCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correction",
		Short: "Inspect and control the correction loop",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show correction attempt and success counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats correction.Stats
			if err := ctx.client().get("/correction/stats", &stats); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			rows := [][]string{
				{"Enabled", yesNo(stats.Enabled)},
				{"Depth limit", strconv.Itoa(stats.DepthLimit)},
				{"Attempted", strconv.FormatInt(stats.Attempted, 10)},
				{"Corrected", strconv.Itoa(stats.Corrected)},
				{"Succeeded", strconv.Itoa(stats.Succeeded)},
				{"Success rate", fmt.Sprintf("%.1f%%", stats.SuccessPct*100)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "toggle <on|off>",
		Short: "Enable or disable correction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			if err := ctx.client().post("/correction/toggle",
				map[string]bool{"enabled": enabled}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "correction %s\n", onOff(enabled))
			return nil
		},
	})
	return cmd
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the autonomous decision log",
	}

	var (
		limit        int
		decisionType string
	)
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the newest recorded decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if decisionType != "" {
				query.Set("type", decisionType)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			path := "/audit/recent"
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}
			var payload struct {
				Decisions []store.AuditDecision `json:"decisions"`
			}
			if err := ctx.client().get(path, &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			rows := make([][]string, 0, len(payload.Decisions))
			for _, decision := range payload.Decisions {
				rows = append(rows, []string{
					decision.CreatedAt.Format("2006-01-02 15:04"),
					decision.DecisionType,
					decision.CharacterSlug,
					decision.DecisionMade,
					fmt.Sprintf("%.2f", decision.Confidence),
					decision.Outcome,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"When", "Type", "Character", "Decision", "Confidence", "Outcome"}, rows, nil))
			return nil
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "maximum decisions to show")
	recent.Flags().StringVar(&decisionType, "type", "", "filter by decision type")
	cmd.AddCommand(recent)

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Summarize decision outcomes per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Summary []store.DecisionStats `json:"summary"`
			}
			if err := ctx.client().get("/audit/summary", &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			rows := make([][]string, 0, len(payload.Summary))
			for _, entry := range payload.Summary {
				rows = append(rows, []string{
					entry.DecisionType,
					strconv.Itoa(entry.Total),
					strconv.Itoa(entry.OK),
					strconv.Itoa(entry.Failed),
					strconv.Itoa(entry.Pending),
					fmt.Sprintf("%.2f", entry.AvgConf),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Type", "Total", "OK", "Failed", "Pending", "Avg conf"}, rows, nil))
			return nil
		},
	})
	return cmd
}

func newEventsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Show event-bus counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats events.Stats
			if err := ctx.client().get("/events/stats", &stats); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			rows := [][]string{
				{"Emits", strconv.FormatInt(stats.EmitsTotal, 10)},
				{"Handler errors", strconv.FormatInt(stats.ErrorsTotal, 10)},
			}
			names := make([]string, 0, len(stats.HandlersPerEvent))
			for name := range stats.HandlersPerEvent {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				rows = append(rows, []string{name, strconv.Itoa(stats.HandlersPerEvent[name]) + " handlers"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newGPUCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gpu",
		Short: "Show the accelerator router and breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Router   gpu.Status        `json:"router"`
				Breakers map[string]string `json:"breakers"`
			}
			if err := ctx.client().get("/gpu/status", &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			rows := [][]string{
				{"VRAM threshold", strconv.Itoa(payload.Router.ThresholdMB) + " MB"},
				{"Last task", string(payload.Router.LastAdmission.Device)},
				{"Last admitted", yesNo(payload.Router.LastAdmission.Admitted)},
			}
			if payload.Router.LastAdmission.Reason != "" {
				rows = append(rows, []string{"Last reason", payload.Router.LastAdmission.Reason})
			}
			names := make([]string, 0, len(payload.Breakers))
			for name := range payload.Breakers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				rows = append(rows, []string{"Breaker " + name, payload.Breakers[name]})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}
