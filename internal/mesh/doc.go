// Package mesh implements the client side of the signaling protocol: a
// coordinator that joins a room, polls the relay on a fixed cadence, and
// maintains one WebRTC peer connection per active remote participant.
//
// The coordinator is a single-owner actor. Every mutation of the link set
// (reconciliation against the participant list, applying relayed offers,
// answers and candidates, track replacement) runs on one goroutine; pion
// callbacks and external callers post commands onto its queue and the
// rendering layer reads immutable snapshots.
package mesh
