// Package telemetry owns the tilt offset the excavation cycle is referenced to.
//
// Ownership boundary:
// - the last-write-wins offset buffer shared between the feed and the cycle
// - the motor health feed subscriber and its reconnect policy
package telemetry
