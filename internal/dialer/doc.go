// Package dialer opens the destination leg of a proxied connection, either
// directly or through an upstream SOCKS5 server, optionally wrapped in TLS.
package dialer
