// Package cpeer contains the entity/peer registry:
// the bidirectional mapping between live connections
// and the replication engine's peer handles,
// and the set of entities each peer can see.
//
// A [Registry] is owned by a session and,
// like the rest of the session state,
// must only be touched from the session's owner goroutine.
package cpeer
