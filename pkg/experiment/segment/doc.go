// Package segment decides whether a subject is eligible for an experiment.
//
// Segments are OR'd: a subject is eligible when any segment matches, and an
// experiment without segments admits everyone. Each segment combines its
// conditions with AND (default) or OR.
//
// Fields are dot paths into the context attributes ("plan",
// "geo.country"); "userId" and "sessionId" resolve to the subject
// identifiers. A missing field evaluates to false for every operator except
// not_equals and not_in, which evaluate to true.
//
// Numeric operators (gt, lt, gte, lte) coerce both sides to float64 from
// numbers, numeric strings or json.Number; a side that cannot be coerced
// makes the comparison false. equals compares numerically when both sides
// coerce and by string representation otherwise.
//
// Evaluation is pure and safe for concurrent use.
package segment
