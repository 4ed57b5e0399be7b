// Package trace records actuator traffic during a cycle and renders it as
// stacked time-series plots.
//
// Ownership boundary:
// - handle wrapping over an actuator.Rig
// - bounded sample capture against the controller clock
// - PNG rendering per axis
package trace
