// Package dispatch serializes work per session.
//
// Ownership boundary:
// - Mapping a session key onto one of a fixed set of lanes.
// - Running each lane's tasks one at a time in arrival order.
// - No knowledge of what a task does.
package dispatch
