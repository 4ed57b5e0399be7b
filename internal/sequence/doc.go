// Package sequence owns the excavation dig cycle.
//
// Ownership boundary:
// - declarative stage records and the reference plan
// - generic stage runner over control.Controller
// - per-cycle tilt offset application
// - cycle reports
//
// Stage outcomes never gate the next stage. Only device faults and
// cancellation stop a cycle early.
package sequence
