// Package experiment defines the experiment data model shared by every
// component of Cohort: experiment definitions, variants with typed
// configuration payloads, segment rule trees, subject contexts, assignments,
// the lifecycle status machine and schema validation.
//
// # Definitions
//
// An Experiment holds an ordered list of Variants whose weights sum to 100
// (within WeightTolerance). At most one variant may be flagged as control.
// Segments restrict eligibility; they are OR'd together and each combines
// its Conditions with AND (default) or OR.
//
//	exp := &experiment.Experiment{
//	    ID:     "exp1",
//	    Name:   "Checkout button",
//	    Status: experiment.StatusDraft,
//	    Variants: []experiment.Variant{
//	        {ID: "control", Weight: 50, IsControl: true},
//	        {ID: "treatment", Weight: 50, Config: experiment.Payload{
//	            "color": experiment.StringValue("green"),
//	        }},
//	    },
//	}
//	if err := experiment.Validate(exp); err != nil {
//	    // err is a *experiment.ValidationError listing every problem
//	}
//
// # Payloads
//
// Variant configuration is a Payload: a map of primitive Values (string,
// number, bool). Nested objects and arrays are rejected when decoding JSON
// or YAML, so a definition that reaches the cache is always typed.
//
// # Lifecycle
//
//	draft --start--> running --pause--> paused
//	                 running <--resume-- paused
//	running|paused --complete--> completed (terminal)
//
// Next returns the target status for an action or false when the transition
// is not allowed.
package experiment
