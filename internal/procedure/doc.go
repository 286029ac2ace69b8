// Package procedure is the PDU session procedure state machine.
//
// It consumes one inbound event for one session (an N1N2 transfer response,
// a deferred failure notification, a completion, or an expiry) and returns
// the Action the transport adapter should execute. Decisions come from a
// finite table keyed by (procedure state, status class, cause); a triple
// with no row is an UnimplementedCauseError, never a default action. Cause
// names outside the known set arrive as CauseUnknown and go through the
// table like any other cause. Only a response with no transfer data at all
// is rejected before the table, as a ProtocolViolation.
//
// Machine performs no I/O. Callers serialize events per session.
package procedure
