// Package query validates event queries and fills in defaults before they
// reach a storage backend.
//
// Sort fields are checked against a per-kind allowlist because the SQLite
// backend interpolates them into ORDER BY.
package query
