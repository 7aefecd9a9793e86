// Package bucketing deterministically assigns subjects to experiment
// variants.
//
// The subject key "{experimentId}-{subjectId}" is hashed with 32-bit
// MurmurHash3 seeded by the experiment seed. The hash is reduced to one of
// 10000 buckets and read as a percentage with two decimals. Variants are
// walked in stored order, accumulating weights, and the first variant whose
// cumulative weight exceeds the percentage is chosen.
//
// Allocation strategies are pluggable through Registry. FixedWeight is the
// only algorithm; the "dynamic" and "bandit" names currently delegate to it.
package bucketing
