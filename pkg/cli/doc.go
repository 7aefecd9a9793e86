/*
Package cli holds helpers shared by the cohort command.

Output Formatting:

Commands accept --output text|json|yaml. Results that implement Tabular are
printed as aligned columns in text mode:

	format, err := cli.ParseFormat(flag)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(os.Stdout, result)

Errors:

ConfigError, CommandError and UsageError classify failures; ExitCode maps
them to the process exit status.

Progress:

Progress redraws a single "n/total records" line while an export runs.

Signals:

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()
*/
package cli
