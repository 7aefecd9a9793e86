package experiment

// Reasons a subject is not placed in an experiment.
const (
	ReasonNotFound   = "not_found"
	ReasonNotRunning = "not_running"
	ReasonIneligible = "ineligible"
	ReasonNoSubject  = "no_subject"
	ReasonNoVariants = "no_variants"
)

// Assignment is the decision returned for an (experiment, subject) pair.
// Once produced for a running experiment it is not modified.
type Assignment struct {
	ExperimentID   string          `json:"experiment_id"`
	ExperimentName string          `json:"experiment_name,omitempty"`
	VariantID      string          `json:"variant_id,omitempty"`
	VariantName    string          `json:"variant_name,omitempty"`
	InExperiment   bool            `json:"in_experiment"`
	Config         Payload         `json:"config,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// NotInExperiment returns the default assignment for a subject that is not
// part of the experiment.
func NotInExperiment(experimentID, reason string) Assignment {
	return Assignment{
		ExperimentID: experimentID,
		InExperiment: false,
		Reason:       reason,
	}
}

// NewAssignment builds an in-experiment assignment for variant v.
func NewAssignment(exp *Experiment, v *Variant) Assignment {
	return Assignment{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
		VariantID:      v.ID,
		VariantName:    v.Name,
		InExperiment:   true,
		Config:         v.Config.Clone(),
		Flags:          DeriveFlags(exp.ID, v),
	}
}

// DeriveFlags computes feature-flag values for a variant: every boolean
// config entry, plus "experiment:<id>" and "variant:<id>" set to true.
func DeriveFlags(experimentID string, v *Variant) map[string]bool {
	flags := map[string]bool{
		"experiment:" + experimentID: true,
		"variant:" + v.ID:            true,
	}
	for k, val := range v.Config {
		if b, ok := val.Bool(); ok {
			flags[k] = b
		}
	}
	return flags
}
