// Package sbi is the HTTP side of the SMF.
//
// Ownership boundary:
// - gin server for owner triggers, completions, and the peer's failure
//   notification callback.
// - Held-open request streams that pending transactions answer later.
// - JSON client for N1N2 message transfers to the peer, with retry.
// - No procedure decisions; those belong to the procedure package.
package sbi
