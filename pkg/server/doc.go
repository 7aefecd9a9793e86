// Package server provides the Cohort HTTP API.
//
// Routes:
//
//	POST /v1/assignments                         {experiment_id, context} -> Assignment
//	POST /v1/conversions                         {experiment_id, metric_id, context, value, revenue} -> 202
//	GET  /v1/experiments?status=running&limit=10 -> {experiments, count}
//	POST /v1/experiments                         definition -> 201 (draft)
//	GET  /v1/experiments/{id}
//	PUT  /v1/experiments/{id}                    definition -> updated experiment
//	POST /v1/experiments/{id}/{start|pause|resume|complete}
//	POST /v1/experiments/{id}/explain            {context} -> bucketing diagnostics
//
// Health, readiness and metrics endpoints are added through WithMount.
//
// With WithAuthenticator, assignment and conversion routes need a client or
// admin API key and the experiment routes need an admin key. Missing or
// unknown keys get 401, keys with too small a role get 403.
//
// With WithRateLimiter, /v1 routes are throttled per API key, or per remote
// IP without auth: 429 with Retry-After when a caller's bucket is empty,
// 503 when the in-flight cap is reached.
//
// Errors use one envelope:
//
//	{"error": {"type": "validation_error", "message": "...", "fields": [...]}}
//
// Validation errors map to 422, unknown experiments to 404, illegal
// transitions and version conflicts to 409.
//
// Middleware, outermost first: request ID, access logging, panic recovery,
// trace context extraction.
package server
