// Package smf owns subscriber sessions end to end.
//
// Ownership boundary:
// - owner triggers that start N1N2 transfers (establish, service request,
//   QoS update, release, error indication)
// - feeding peer answers, completions, notifications and expiries through
//   the procedure machine on each session's dispatch lane
// - executing the resulting actions: follow-up transfers, replies to held
//   streams, expiry timers
//
// Lifecycle order:
// - configure -> serve -> stop
//
// An unimplemented peer cause stops the service only when
// FatalUnimplemented is set.
package smf
