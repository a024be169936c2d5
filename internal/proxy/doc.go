// Package proxy implements the listener side shared by every socksgate
// server: accepting connections, feeding inbound bytes to a protocol Hook
// until it names a destination, dialing that destination asynchronously, and
// relaying bytes in both directions until either leg closes.
//
// Bytes that arrive while the destination dial is in flight are held in a
// PreConnectBuffer and flushed, in arrival order, before relaying starts.
package proxy
