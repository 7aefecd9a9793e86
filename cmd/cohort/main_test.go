package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"mercator-hq/cohort/pkg/cli"
	"mercator-hq/cohort/pkg/config"
	"mercator-hq/cohort/pkg/engine"
	"mercator-hq/cohort/pkg/events"
	"mercator-hq/cohort/pkg/experiment"
)

const checkoutButton = `id: checkout-button
name: Checkout button color
variants:
  - id: control
    name: Blue
    weight: 50
    is_control: true
  - id: green
    name: Green
    weight: 50
    config:
      color: green
segments:
  - name: us
    conditions:
      - field: country
        operator: equals
        value: US
`

// writeConfig writes a config using SQLite files in a temp dir and returns
// its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`storage:
  backend: sqlite
  experiments:
    path: %s
  events:
    path: %s
retention:
  enabled: false
telemetry:
  logging:
    level: warn
`, filepath.Join(dir, "experiments.db"), filepath.Join(dir, "events.db"))

	path := filepath.Join(dir, "cohort.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// execute runs the root command with args and returns stdout. Flag values
// are reset afterwards since the commands are package globals.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defer resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "Cohort "+Version) {
		t.Errorf("output = %q, want version line", out)
	}

	out, err = execute(t, "version", "-o", "json")
	if err != nil {
		t.Fatalf("version -o json error = %v", err)
	}
	if !strings.Contains(out, `"version": "`+Version+`"`) {
		t.Errorf("output = %q, want JSON version field", out)
	}
}

func TestCompletionCommand(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		out, err := execute(t, "completion", shell)
		if err != nil {
			t.Fatalf("completion %s error = %v", shell, err)
		}
		if !strings.Contains(out, "cohort") {
			t.Errorf("completion %s output does not mention cohort", shell)
		}
	}

	_, err := execute(t, "completion", "tcsh")
	if code := cli.ExitCode(err); code != cli.ExitUsage {
		t.Errorf("ExitCode() = %d, want %d", code, cli.ExitUsage)
	}
}

func TestExperimentWorkflow(t *testing.T) {
	cfgPath := writeConfig(t)
	defPath := writeFile(t, "checkout.yaml", checkoutButton)

	out, err := execute(t, "--config", cfgPath, "experiment", "create", "-f", defPath, "-o", "json")
	if err != nil {
		t.Fatalf("create error = %v", err)
	}
	var created experiment.Experiment
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("create output is not JSON: %v\n%s", err, out)
	}
	if created.ID != "checkout-button" || created.Status != experiment.StatusDraft {
		t.Fatalf("created = %s/%s, want checkout-button/draft", created.ID, created.Status)
	}

	if _, err := execute(t, "--config", cfgPath, "experiment", "start", "checkout-button"); err != nil {
		t.Fatalf("start error = %v", err)
	}

	out, err = execute(t, "--config", cfgPath, "experiment", "list", "--status", "running")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "checkout-button") || !strings.Contains(out, "running") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "experiment", "explain", "checkout-button",
		"--user", "user-42", "--attr", "country=US", "-o", "json")
	if err != nil {
		t.Fatalf("explain error = %v", err)
	}
	var explained map[string]any
	if err := json.Unmarshal([]byte(out), &explained); err != nil {
		t.Fatalf("explain output is not JSON: %v", err)
	}
	if explained["eligible"] != true || explained["variant_id"] == nil {
		t.Errorf("explain = %v, want eligible with a variant", explained)
	}

	out, err = execute(t, "--config", cfgPath, "experiment", "explain", "checkout-button",
		"--user", "user-42", "--attr", "country=DE")
	if err != nil {
		t.Fatalf("explain error = %v", err)
	}
	eligible := ""
	for _, line := range strings.Split(out, "\n") {
		if f := strings.Fields(line); len(f) == 2 && f[0] == "eligible" {
			eligible = f[1]
		}
	}
	if eligible != "false" {
		t.Errorf("explain output = %q, want ineligible", out)
	}

	for _, action := range []string{"pause", "resume", "complete"} {
		if _, err := execute(t, "--config", cfgPath, "experiment", action, "checkout-button"); err != nil {
			t.Fatalf("%s error = %v", action, err)
		}
	}

	_, err = execute(t, "--config", cfgPath, "experiment", "start", "checkout-button")
	if err == nil {
		t.Fatal("start after complete should fail")
	}
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Errorf("ExitCode() = %d, want %d", cli.ExitCode(err), cli.ExitFailure)
	}

	out, err = execute(t, "--config", cfgPath, "experiment", "get", "checkout-button", "-o", "yaml")
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if !strings.Contains(out, "status: completed") {
		t.Errorf("get output = %q, want completed", out)
	}
}

func TestExperimentUpdate(t *testing.T) {
	cfgPath := writeConfig(t)
	if _, err := execute(t, "--config", cfgPath, "experiment", "create", "-f", writeFile(t, "v1.yaml", checkoutButton)); err != nil {
		t.Fatalf("create error = %v", err)
	}

	renamed := strings.Replace(checkoutButton, "Checkout button color", "Checkout button colour", 1)
	out, err := execute(t, "--config", cfgPath, "experiment", "update", "-f", writeFile(t, "v2.yaml", renamed), "-o", "json")
	if err != nil {
		t.Fatalf("update error = %v", err)
	}
	var updated experiment.Experiment
	if err := json.Unmarshal([]byte(out), &updated); err != nil {
		t.Fatalf("update output is not JSON: %v", err)
	}
	if updated.Name != "Checkout button colour" || updated.Version != 2 {
		t.Errorf("updated = %q v%d", updated.Name, updated.Version)
	}

	stale := renamed + "version: 1\n"
	if _, err := execute(t, "--config", cfgPath, "experiment", "update", "-f", writeFile(t, "v3.yaml", stale)); err == nil {
		t.Error("stale update should fail")
	}
}

func TestExperimentErrors(t *testing.T) {
	cfgPath := writeConfig(t)

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"missing experiment", []string{"experiment", "get", "nope"}, cli.ExitFailure},
		{"bad status filter", []string{"experiment", "list", "--status", "archived"}, cli.ExitUsage},
		{"explain without subject", []string{"experiment", "explain", "x"}, cli.ExitUsage},
		{"bad attribute", []string{"experiment", "explain", "x", "--user", "u", "--attr", "novalue"}, cli.ExitUsage},
		{"bad output format", []string{"experiment", "list", "-o", "xml"}, cli.ExitUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", cfgPath}, tt.args...)...)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := cli.ExitCode(err); got != tt.code {
				t.Errorf("ExitCode() = %d, want %d (err %v)", got, tt.code, err)
			}
		})
	}

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "experiment", "list")
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("missing config: ExitCode() = %d, want %d", cli.ExitCode(err), cli.ExitConfig)
	}
}

func TestValidateCommand(t *testing.T) {
	cfgPath := writeConfig(t)
	good := writeFile(t, "good.yaml", checkoutButton)
	bad := writeFile(t, "bad.yaml", strings.Replace(checkoutButton, "weight: 50\n    config", "weight: 10\n    config", 1))

	out, err := execute(t, "--config", cfgPath, "validate", good)
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}

	out, err = execute(t, "--config", cfgPath, "validate", good, bad)
	if err == nil {
		t.Fatal("validate should fail for bad.yaml")
	}
	if !strings.Contains(out, "weights must sum to 100") {
		t.Errorf("output = %q, want weight error", out)
	}
}

func TestRunDryRun(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "run", "--dry-run", "--listen", "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("run --dry-run error = %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("output = %q", out)
	}

	_, err = execute(t, "--config", writeConfig(t), "run", "--dry-run", "--log-level", "loud")
	if cli.ExitCode(err) != cli.ExitConfig {
		t.Errorf("ExitCode() = %d, want %d", cli.ExitCode(err), cli.ExitConfig)
	}
}

// seedEvents records one exposure and one conversion through an engine on
// the same databases the commands use.
func seedEvents(t *testing.T, cfgPath string) {
	t.Helper()
	cfg, err := config.LoadConfigWithEnvOverrides(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	eng, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	exp := &experiment.Experiment{
		ID:   "exp1",
		Name: "Pricing page",
		Variants: []experiment.Variant{
			{ID: "control", Name: "Control", Weight: 50, IsControl: true},
			{ID: "annual", Name: "Annual first", Weight: 50},
		},
	}
	if _, err := eng.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("CreateExperiment() error = %v", err)
	}
	if _, err := eng.StartExperiment(ctx, "exp1"); err != nil {
		t.Fatalf("StartExperiment() error = %v", err)
	}

	uctx := experiment.UserContext{UserID: "user-42"}
	if a := eng.GetAssignment("exp1", uctx); !a.InExperiment {
		t.Fatalf("assignment = %+v", a)
	}
	revenue := 19.99
	eng.TrackConversion("exp1", "purchase", uctx, nil, &revenue)

	if err := eng.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestEventsQueryAndExport(t *testing.T) {
	cfgPath := writeConfig(t)
	seedEvents(t, cfgPath)

	out, err := execute(t, "--config", cfgPath, "events", "query", "--kind", "conversion", "--metric", "purchase", "-o", "json")
	if err != nil {
		t.Fatalf("query error = %v", err)
	}
	var records []events.Record
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("query output is not JSON: %v\n%s", err, out)
	}
	if len(records) != 1 || records[0].UserID != "user-42" || records[0].Revenue == nil || *records[0].Revenue != 19.99 {
		t.Fatalf("records = %+v", records)
	}

	out, err = execute(t, "--config", cfgPath, "events", "query", "--kind", "exposure")
	if err != nil {
		t.Fatalf("query error = %v", err)
	}
	if !strings.Contains(out, "EXPERIMENT") || !strings.Contains(out, "user-42") {
		t.Errorf("table output = %q", out)
	}

	csvPath := filepath.Join(t.TempDir(), "exposures.csv")
	if _, err := execute(t, "--config", cfgPath, "events", "export", "--kind", "exposure", "--format", "csv", "--file", csvPath); err != nil {
		t.Fatalf("export error = %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("csv has %d lines, want header + 1:\n%s", len(lines), data)
	}

	out, err = execute(t, "--config", cfgPath, "events", "export", "--kind", "conversion")
	if err != nil {
		t.Fatalf("export error = %v", err)
	}
	if err := json.Unmarshal([]byte(out), &records); err != nil || len(records) != 1 {
		t.Errorf("json export = %q (err %v)", out, err)
	}

	if _, err := execute(t, "--config", cfgPath, "events", "query", "--kind", "exposure", "--metric", "purchase"); cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("metric filter on exposures: ExitCode() = %d, want usage", cli.ExitCode(err))
	}
}

func TestEventsPrune(t *testing.T) {
	cfgPath := writeConfig(t)
	seedEvents(t, cfgPath)

	out, err := execute(t, "--config", cfgPath, "events", "prune", "--days", "0", "--max-records", "0", "-o", "json")
	if err != nil {
		t.Fatalf("prune error = %v", err)
	}
	var result struct {
		Exposures   int64 `json:"exposures"`
		Conversions int64 `json:"conversions"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("prune output is not JSON: %v", err)
	}
	if result.Exposures != 0 || result.Conversions != 0 {
		t.Errorf("result = %+v, want nothing deleted", result)
	}
}

func TestParseTimeRange(t *testing.T) {
	start, end, err := parseTimeRange("2026-02-01T00:00:00Z/2026-02-02T00:00:00Z")
	if err != nil {
		t.Fatalf("parseTimeRange() error = %v", err)
	}
	if end.Sub(start).Hours() != 24 {
		t.Errorf("range = %v..%v", start, end)
	}

	for _, bad := range []string{"2026-02-01", "yesterday/today", "2026-02-01T00:00:00Z/soon"} {
		if _, _, err := parseTimeRange(bad); err == nil {
			t.Errorf("parseTimeRange(%q) should fail", bad)
		}
	}
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"country=US", "age=31", "beta=true"})
	if err != nil {
		t.Fatalf("parseAttributes() error = %v", err)
	}
	if attrs["country"] != "US" || attrs["age"] != 31.0 || attrs["beta"] != true {
		t.Errorf("attrs = %v", attrs)
	}
}
