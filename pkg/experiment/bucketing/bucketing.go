package bucketing

import (
	"github.com/spaolacci/murmur3"

	"mercator-hq/cohort/pkg/experiment"
)

// Buckets is the number of hash slots; a bucket maps to a percentage with
// two-decimal precision.
const Buckets = 10000

// HashKey returns the string hashed to place a subject.
func HashKey(experimentID, subjectID string) string {
	return experimentID + "-" + subjectID
}

// Bucket returns the subject's position in [0, 100) for the experiment.
func Bucket(experimentID, subjectID string, seed uint32) float64 {
	h := murmur3.Sum32WithSeed([]byte(HashKey(experimentID, subjectID)), seed)
	return float64(h%Buckets) / 100
}

// Allocate picks the variant for subjectID. Variants are walked in stored
// order and the first whose cumulative weight exceeds the subject's bucket
// wins. When none does (weights summing below 100), the control variant is
// returned, or the first variant when no control is flagged. Allocate
// returns nil only when the experiment has no variants.
//
// Allocate is pure: identical inputs always produce the identical variant.
func Allocate(exp *experiment.Experiment, subjectID string) *experiment.Variant {
	if exp == nil || len(exp.Variants) == 0 {
		return nil
	}

	bucket := Bucket(exp.ID, subjectID, exp.Seed)

	cumulative := 0.0
	for i := range exp.Variants {
		cumulative += exp.Variants[i].Weight
		if cumulative > bucket {
			return &exp.Variants[i]
		}
	}

	if control := exp.Control(); control != nil {
		return control
	}
	return &exp.Variants[0]
}
