// Package coop contains the session core of a cooperative multiplayer server.
//
// A [Session] accepts connections from a transport,
// attaches each one to a replication engine as a peer,
// and drives the engine one tick at a time.
// Alongside the engine it keeps a per-peer estimate of each remote clock,
// a bounded queue of events broadcast to every peer,
// and the set of synchronized remote calls awaiting acknowledgement.
//
// All session state belongs to a single owner goroutine, run by a [Loop].
// Transport goroutines never touch that state directly;
// they resolve the packet's handler
// and submit the work to the loop's dispatcher.
package coop
