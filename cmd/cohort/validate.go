package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"mercator-hq/cohort/pkg/cli"
	"mercator-hq/cohort/pkg/experiment"
	"mercator-hq/cohort/pkg/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate [experiment files...]",
	Short: "Validate configuration and experiment definitions",
	Long: `Validate the configuration file and, optionally, experiment definition files.

Every problem is reported, not just the first one.

Examples:
  # Validate the configuration
  cohort validate --config cohort.yaml

  # Also validate experiment definitions
  cohort validate --config cohort.yaml experiments/*.yaml`,
	RunE: validateFiles,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateFiles(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := loadConfig(); err != nil {
		return err
	}
	source := cfgFile
	if source == "" {
		source = "defaults"
	}
	fmt.Fprintf(out, "✓ Configuration valid (%s)\n", source)

	failed := 0
	for _, path := range args {
		if err := validateExperimentFile(path); err != nil {
			failed++
			fmt.Fprintf(out, "✗ %s\n", path)
			var verr *experiment.ValidationError
			if errors.As(err, &verr) {
				for _, fe := range verr.Errors {
					fmt.Fprintf(out, "    %s: %s\n", fe.Field, fe.Message)
				}
			} else {
				fmt.Fprintf(out, "    %v\n", err)
			}
			continue
		}
		fmt.Fprintf(out, "✓ %s\n", path)
	}

	if failed > 0 {
		return cli.NewCommandError("validate", fmt.Errorf("%d of %d experiment files invalid", failed, len(args)))
	}
	return nil
}

// validateExperimentFile checks a definition the way create would: a
// missing id is generated and a missing status is treated as draft.
func validateExperimentFile(path string) error {
	exp, err := store.ParseExperimentFile(path)
	if err != nil {
		return err
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Status == "" {
		exp.Status = experiment.StatusDraft
	}
	return experiment.Validate(exp)
}
