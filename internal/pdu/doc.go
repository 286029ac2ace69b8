// Package pdu owns PDU session records and the Session Registry.
//
// Ownership boundary:
// - session create/find/destroy by session id
// - the callback-locator secondary index, kept in lock-step with each
//   session's CallbackLocator field
// - pending-transaction slots as data; allocation policy lives in xact
//
// The registry is partitioned into shards so lookups and mutations on one
// session never block unrelated sessions.
package pdu
