// Cohort allocates subjects to experiment variants and records exposure and
// conversion events.
//
// Usage:
//
//	# Serve the HTTP API
//	cohort run --config cohort.yaml
//
//	# Check a configuration file and experiment definitions
//	cohort validate --config cohort.yaml experiments/*.yaml
//
//	# Manage experiments
//	cohort experiment create -f checkout-button.yaml
//	cohort experiment start checkout-button
//	cohort experiment explain checkout-button --user user-42
//
//	# Inspect recorded events
//	cohort events query --kind exposure --experiment checkout-button
//	cohort events export --kind conversion --format csv -o conversions.csv
package main

import "os"

func main() {
	os.Exit(Execute())
}
