// Package socks5 implements the SOCKS5 CONNECT handshake as a proxy.Hook,
// plus the client side of the same handshake for chaining through an
// upstream SOCKS5 server.
//
// Wire types and constants come from github.com/txthinking/socks5. Parsing is
// incremental: a client may split or coalesce handshake messages across TCP
// segments freely, and bytes following the CONNECT request are handed to the
// proxy core to be delivered once the destination is up.
package socks5
