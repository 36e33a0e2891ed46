package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"sakuga/internal/learning"
)

func newLearningCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Inspect the learning engine",
	}
	cmd.AddCommand(newLearningStatsCommand(ctx))
	cmd.AddCommand(newLearningSuggestCommand(ctx))
	cmd.AddCommand(newLearningRejectionsCommand(ctx))
	cmd.AddCommand(newLearningCheckpointsCommand(ctx))
	cmd.AddCommand(newLearningTrendCommand(ctx))
	return cmd
}

func newLearningStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the whole generation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats learning.Stats
			if err := ctx.client().get("/learning/stats", &stats); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			rows := [][]string{
				{"Generations", strconv.Itoa(stats.TotalGenerations)},
				{"Approved", strconv.Itoa(stats.Approved)},
				{"Rejected", strconv.Itoa(stats.Rejected)},
				{"In review", strconv.Itoa(stats.InReview)},
				{"Avg quality", fmt.Sprintf("%.3f", stats.AvgQuality)},
				{"Pattern rows", strconv.Itoa(stats.PatternRows)},
				{"Characters seen", strconv.Itoa(stats.CharactersSeen)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newLearningSuggestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <character-slug>",
		Short: "Suggest generation parameters from successful history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params *learning.Params
			path := "/learning/suggest/" + url.PathEscape(args[0])
			if err := ctx.client().get(path, &params); err != nil {
				return err
			}
			if params == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "not enough history for a suggestion")
				return nil
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, params)
			}
			rows := [][]string{
				{"Samples", strconv.Itoa(params.SampleCount)},
				{"Avg quality", fmt.Sprintf("%.3f", params.AvgQuality)},
				{"CFG scale", fmt.Sprintf("%.1f", params.CFGScale)},
				{"Steps", strconv.Itoa(params.Steps)},
				{"Resolution", fmt.Sprintf("%dx%d", params.Width, params.Height)},
				{"Sampler", params.Sampler},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newLearningRejectionsCommand(ctx *commandContext) *cobra.Command {
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "rejections <character-slug>",
		Short: "Show a character's most frequent rejection categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Patterns []learning.RejectionPattern `json:"patterns"`
			}
			path := fmt.Sprintf("/learning/rejections/%s?limit=%d", url.PathEscape(args[0]), limitFlag)
			if err := ctx.client().get(path, &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			rows := make([][]string, 0, len(payload.Patterns))
			for _, pattern := range payload.Patterns {
				rows = append(rows, []string{
					string(pattern.Category),
					strconv.Itoa(pattern.Count),
					fmt.Sprintf("%.3f", pattern.AvgScore),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Category", "Count", "Avg score"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight}))
			return nil
		},
	}
	cmd.Flags().IntVar(&limitFlag, "limit", 10, "Maximum categories to show")
	return cmd
}

func newLearningCheckpointsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <project-name>",
		Short: "Rank checkpoint models by approval rate for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Rankings []learning.CheckpointRanking `json:"rankings"`
			}
			path := "/learning/checkpoints/" + url.PathEscape(args[0])
			if err := ctx.client().get(path, &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			rows := make([][]string, 0, len(payload.Rankings))
			for _, ranking := range payload.Rankings {
				rows = append(rows, []string{
					ranking.CheckpointModel,
					strconv.Itoa(ranking.Generations),
					strconv.Itoa(ranking.Approvals),
					fmt.Sprintf("%.1f%%", ranking.ApprovalRate*100),
					fmt.Sprintf("%.3f", ranking.AvgQuality),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Checkpoint", "Generations", "Approvals", "Approval rate", "Avg quality"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight}))
			return nil
		},
	}
}

func newLearningTrendCommand(ctx *commandContext) *cobra.Command {
	var characterFlag string
	var projectFlag string
	var daysFlag int

	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Show per-day average quality",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if characterFlag != "" {
				query.Set("character", characterFlag)
			}
			if projectFlag != "" {
				query.Set("project", projectFlag)
			}
			query.Set("days", strconv.Itoa(daysFlag))

			var payload struct {
				Trend []learning.TrendPoint `json:"trend"`
			}
			if err := ctx.client().get("/learning/trend?"+query.Encode(), &payload); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, payload)
			}
			rows := make([][]string, 0, len(payload.Trend))
			for _, point := range payload.Trend {
				rows = append(rows, []string{
					point.Day,
					strconv.Itoa(point.Count),
					fmt.Sprintf("%.3f", point.AvgQuality),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Day", "Count", "Avg quality"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight}))
			return nil
		},
	}
	cmd.Flags().StringVar(&characterFlag, "character", "", "Scope to one character")
	cmd.Flags().StringVar(&projectFlag, "project", "", "Scope to one project")
	cmd.Flags().IntVar(&daysFlag, "days", 7, "Window in days")
	return cmd
}
