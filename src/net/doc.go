// Package net implements the connection layer between fedmesh nodes.
//
// A StreamLayer provides the low-level stream abstraction (plain TCP in
// production, an in-memory pipe network for tests). A Connection wraps one
// bidirectional stream to a neighbor: it performs the session-key handshake,
// runs a prioritized outbound send queue and an inbound receive loop, and
// tracks the time of the last received frame.
//
// Connections never reconnect themselves. When a connection dies it is
// closed and reported upward; the protocol router decides whether to replace
// it.
package net
