// Package crpc tracks synchronized remote calls between session peers.
//
// A synchronized call is an intent to run a registered handler
// on a remote peer at a specific simulation tick.
// The [*Manager] assigns the call a sequential [CallID],
// transmits it through a [Sender], and holds a [*Pending] record
// until the remote acknowledges it.
//
// Acknowledgements are cumulative per peer and handler:
// acknowledging call N also resolves every earlier pending call
// from the same peer to the same handler.
// There is no per-call timeout;
// a pending call resolves only on acknowledgement,
// on peer disconnect ([*Manager.FailPeer]),
// or when the manager is closed.
//
// The manager is not safe for concurrent use.
// It belongs to the session's owner goroutine,
// but [*Pending] handles may be awaited from anywhere.
package crpc
