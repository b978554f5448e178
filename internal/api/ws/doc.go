// Package ws serves live bot output over WebSocket.
//
// A client connects with ?serverId=<id>. Unknown ids receive a single
// rejection record followed by a close frame. Accepted clients receive an
// acknowledgement, then every record published for the server as JSON:
//
//	{"line": "...", "epoch": 3, "ts": 1718000000000}
//
// Each connection has a bounded send queue. A client that falls behind
// misses records instead of slowing other subscribers down.
package ws
