// Package xact is the transaction correlator: it ties a waiting caller's
// stream to a session and transaction class through a small integer drawn
// from a bounded pool.
//
// At most one stream is pending per (session, class). A consumed stream id
// is removed before it is returned to the pool, so it resolves exactly once.
package xact
