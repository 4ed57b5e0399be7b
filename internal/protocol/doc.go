// Package protocol owns the wire contract shared by the health feed and the
// actuator bus link.
//
// Ownership boundary:
// - frame/header primitives (frame)
// - tlv payload primitives (tlv)
// - typed messages: health sample, device command, device reply
package protocol
