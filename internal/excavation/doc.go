// Package excavation is the service boundary around the dig cycle.
//
// Ownership boundary:
// - start and cancel request handling with single-cycle admission
// - actuator backend selection (simulated or remote bus)
// - telemetry ingress (health feed subscriber and HTTP)
// - HTTP routes, metrics, and process lifecycle
//
// A cycle runs under the service lifecycle context, not the request that
// started it, so a dropped client never leaves the bucket mid-dig.
package excavation
