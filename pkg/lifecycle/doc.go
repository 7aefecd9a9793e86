// Package lifecycle manages experiment definitions and their status.
//
// Experiments move through four states:
//
//	draft --start--> running --pause--> paused
//	                    ^                  |
//	                    +-----resume-------+
//	running|paused --complete--> completed
//
// Completed is terminal: it accepts neither transitions nor definition
// updates. Every successful write is persisted to the repository, then
// applied to the in-memory experiment store and published to other
// instances, so the next assignment request observes it.
package lifecycle
