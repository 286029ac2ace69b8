// Package timer owns the message round-trip budget and everything derived
// from it: per-protocol retry counts and intervals, backoff delays for owners
// that retry, and expiry timers for pending transactions.
//
// Ownership boundary:
// - duration derivation from one message duration
// - retry delay computation
// - expiry timer arming/disarming (callbacks only, no session state)
package timer
