package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"mercator-hq/cohort/pkg/assignment"
	"mercator-hq/cohort/pkg/cli"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/experiment/repository"
	"mercator-hq/cohort/pkg/store"
)

var experimentFlags struct {
	file      string
	status    string
	limit     int
	userID    string
	sessionID string
	attrs     []string
}

var experimentCmd = &cobra.Command{
	Use:     "experiment",
	Aliases: []string{"exp"},
	Short:   "Manage experiments",
	Long: `Create, update and move experiments through their lifecycle.

Commands write to the configured experiments database. When a Redis feed is
configured, every change is also published so running servers apply it
immediately; otherwise servers pick it up on their next refresh.

Lifecycle:
  draft --start--> running --pause--> paused --resume--> running
  running|paused --complete--> completed

Examples:
  # Create a draft from a YAML definition
  cohort experiment create -f checkout-button.yaml

  # Start serving it
  cohort experiment start checkout-button

  # List running experiments as JSON
  cohort experiment list --status running -o json

  # Show how a user is bucketed
  cohort experiment explain checkout-button --user user-42 --attr country=US`,
}

var experimentCreateCmd = &cobra.Command{
	Use:   "create -f FILE",
	Short: "Create a draft experiment from a definition file",
	Args:  cobra.NoArgs,
	RunE:  createExperiment,
}

var experimentUpdateCmd = &cobra.Command{
	Use:   "update -f FILE",
	Short: "Replace an experiment's definition",
	Long: `Replace an experiment's definition. The status is kept.

If the file carries a version, the update fails when the stored experiment has
changed since that version was read.`,
	Args: cobra.NoArgs,
	RunE: updateExperiment,
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	Args:  cobra.NoArgs,
	RunE:  listExperiments,
}

var experimentGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show an experiment",
	Args:  cobra.ExactArgs(1),
	RunE:  getExperiment,
}

var experimentExplainCmd = &cobra.Command{
	Use:   "explain ID",
	Short: "Show how a subject is bucketed in an experiment",
	Long: `Show the bucket, segment eligibility and variant a subject would get.

Nothing is assigned or recorded. Drafts and paused experiments can be
explained too.`,
	Args: cobra.ExactArgs(1),
	RunE: explainExperiment,
}

func init() {
	rootCmd.AddCommand(experimentCmd)
	experimentCmd.AddCommand(
		experimentCreateCmd,
		experimentUpdateCmd,
		experimentListCmd,
		experimentGetCmd,
		experimentExplainCmd,
	)

	for _, action := range []experiment.Action{
		experiment.ActionStart,
		experiment.ActionPause,
		experiment.ActionResume,
		experiment.ActionComplete,
	} {
		experimentCmd.AddCommand(transitionCommand(action))
	}

	experimentCreateCmd.Flags().StringVarP(&experimentFlags.file, "file", "f", "", "experiment definition (YAML or JSON)")
	_ = experimentCreateCmd.MarkFlagRequired("file")
	experimentUpdateCmd.Flags().StringVarP(&experimentFlags.file, "file", "f", "", "experiment definition (YAML or JSON)")
	_ = experimentUpdateCmd.MarkFlagRequired("file")

	experimentListCmd.Flags().StringVar(&experimentFlags.status, "status", "", "comma-separated statuses to include")
	experimentListCmd.Flags().IntVar(&experimentFlags.limit, "limit", 0, "max results (0 for all)")

	experimentExplainCmd.Flags().StringVar(&experimentFlags.userID, "user", "", "user ID")
	experimentExplainCmd.Flags().StringVar(&experimentFlags.sessionID, "session", "", "session ID")
	experimentExplainCmd.Flags().StringArrayVar(&experimentFlags.attrs, "attr", nil, "attribute as key=value (repeatable)")
}

func transitionCommand(action experiment.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " ID",
		Short: strings.ToUpper(string(action[:1])) + string(action[1:]) + " an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer closeEngine(cmd, eng)

			exp, err := eng.TransitionExperiment(cmd.Context(), args[0], action)
			if err != nil {
				return cli.NewCommandError(cmd.CommandPath(), err)
			}
			return printResult(cmd, exp, experimentDetail(exp))
		},
	}
}

func createExperiment(cmd *cobra.Command, args []string) error {
	exp, err := store.ParseExperimentFile(experimentFlags.file)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}

	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	created, err := eng.CreateExperiment(cmd.Context(), exp)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	return printResult(cmd, created, experimentDetail(created))
}

func updateExperiment(cmd *cobra.Command, args []string) error {
	exp, err := store.ParseExperimentFile(experimentFlags.file)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	if exp.ID == "" {
		return cli.Usagef("%s: definition has no id", experimentFlags.file)
	}

	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	updated, err := eng.UpdateExperiment(cmd.Context(), exp)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	return printResult(cmd, updated, experimentDetail(updated))
}

func listExperiments(cmd *cobra.Command, args []string) error {
	filter := repository.ListFilter{Limit: experimentFlags.limit}
	if experimentFlags.status != "" {
		for _, part := range strings.Split(experimentFlags.status, ",") {
			status := experiment.Status(strings.TrimSpace(part))
			if !status.Valid() {
				return cli.Usagef("unknown status %q", part)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	exps, err := eng.ListExperiments(cmd.Context(), filter)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	if exps == nil {
		exps = []*experiment.Experiment{}
	}
	return printResult(cmd, exps, experimentTable(exps))
}

func getExperiment(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	exp, err := eng.GetExperiment(cmd.Context(), args[0])
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	return printResult(cmd, exp, experimentDetail(exp))
}

func explainExperiment(cmd *cobra.Command, args []string) error {
	uctx := experiment.UserContext{
		UserID:    experimentFlags.userID,
		SessionID: experimentFlags.sessionID,
	}
	if uctx.SubjectID() == "" {
		return cli.Usagef("--user or --session is required")
	}
	attrs, err := parseAttributes(experimentFlags.attrs)
	if err != nil {
		return err
	}
	uctx.Attributes = attrs

	eng, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(cmd, eng)

	e, err := eng.Explain(cmd.Context(), args[0], uctx)
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}
	return printResult(cmd, e, explanationTable(e))
}

// parseAttributes turns key=value pairs into context attributes. Values
// that parse as bool or number keep that type so segment comparisons work.
func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, cli.Usagef("invalid attribute %q (want key=value)", pair)
		}
		if b, err := strconv.ParseBool(raw); err == nil {
			attrs[key] = b
		} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
			attrs[key] = f
		} else {
			attrs[key] = raw
		}
	}
	return attrs, nil
}

type experimentTable []*experiment.Experiment

func (t experimentTable) Header() []string {
	return []string{"ID", "NAME", "STATUS", "VARIANTS", "VERSION", "UPDATED"}
}

func (t experimentTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, exp := range t {
		rows = append(rows, []string{
			exp.ID,
			exp.Name,
			string(exp.Status),
			variantSummary(exp.Variants),
			strconv.Itoa(exp.Version),
			exp.UpdatedAt.Format(time.RFC3339),
		})
	}
	return rows
}

func experimentDetail(exp *experiment.Experiment) fields {
	f := fields{
		{"id", exp.ID},
		{"name", exp.Name},
		{"status", string(exp.Status)},
		{"strategy", string(exp.Strategy)},
		{"seed", strconv.FormatUint(uint64(exp.Seed), 10)},
		{"version", strconv.Itoa(exp.Version)},
		{"variants", variantSummary(exp.Variants)},
		{"segments", strconv.Itoa(len(exp.Segments))},
		{"created_at", exp.CreatedAt.Format(time.RFC3339)},
		{"updated_at", exp.UpdatedAt.Format(time.RFC3339)},
	}
	if exp.Description != "" {
		f = append(f, [2]string{"description", exp.Description})
	}
	if exp.StartedAt != nil {
		f = append(f, [2]string{"started_at", exp.StartedAt.Format(time.RFC3339)})
	}
	if exp.EndedAt != nil {
		f = append(f, [2]string{"ended_at", exp.EndedAt.Format(time.RFC3339)})
	}
	return f
}

func explanationTable(e assignment.Explanation) fields {
	segments := append([]string(nil), e.Segments...)
	sort.Strings(segments)
	variant := e.VariantID
	if variant == "" {
		variant = "-"
	}
	return fields{
		{"experiment", e.ExperimentID},
		{"subject", e.SubjectID},
		{"bucket", strconv.FormatFloat(e.Bucket, 'f', 2, 64)},
		{"eligible", strconv.FormatBool(e.Eligible)},
		{"matched_segments", strings.Join(segments, ",")},
		{"variant", variant},
		{"cached", strconv.FormatBool(e.Cached)},
	}
}

func variantSummary(variants []experiment.Variant) string {
	parts := make([]string, len(variants))
	for i, v := range variants {
		parts[i] = fmt.Sprintf("%s:%g", v.ID, v.Weight)
	}
	return strings.Join(parts, " ")
}
