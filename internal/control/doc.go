// Package control owns actuator convergence.
//
// Ownership boundary:
// - convergence tuning (tolerance, misalignment thresholds, timeout, tick)
// - single-tick command logic for the lift pair, tilt, drives, agitator
// - bounded convergence loop with per-tick cancellation
//
// The right lift is the alignment reference: while the pair is skewed both
// lifts chase its current position instead of the requested pose.
//
// Control does not own stage ordering; see package sequence.
package control
