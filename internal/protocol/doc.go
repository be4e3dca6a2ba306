// Package protocol defines the wire contract shared by the signaling relay
// and the peer mesh coordinator.
//
// Both halves poll and serve the same POST endpoint, so the request and
// response shapes, and the timing windows they assume, live in one place.
package protocol
