// Package actuator owns the device capability the controller drives.
//
// Ownership boundary:
// - the four-operation Handle contract
// - the six-handle Rig (lift pair, tilt, drive pair, agitator)
// - simulated devices for tests and dry runs
// - the framed bus link to a remote actuator node
//
// Bus drivers (CAN, serial) live behind the remote node, not here.
package actuator
