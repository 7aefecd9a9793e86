// Package engine wires the experiment store, assignment resolver, event
// recorder, retention pruner and lifecycle manager into one facade.
//
// Runtime callers use two methods:
//
//	a := eng.GetAssignment("checkout-button", experiment.UserContext{UserID: "user-42"})
//	eng.TrackConversion("checkout-button", "purchase", ctx, &value, nil)
//
// Neither performs I/O or returns an error. Experiment management goes
// through CreateExperiment, UpdateExperiment and the transition methods,
// which persist synchronously and are visible to the next assignment.
//
// Lifecycle:
//
//	eng, err := engine.New(cfg, engine.WithLogger(logger), engine.WithMetrics(m))
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Close(context.Background())
package engine
