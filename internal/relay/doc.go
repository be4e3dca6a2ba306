// Package relay implements the server half of the signaling protocol: a
// stateless request handler over a presence table and a signal queue.
//
// Any replica sharing the stores can serve any request; there is no session
// affinity and no retry logic here. Retry is the polling client's job.
package relay
