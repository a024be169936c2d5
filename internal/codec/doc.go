// Package codec converts the fixed-width big-endian fields of the SOCKS5
// wire format: ports and IPv4 addresses.
//
// There is no bounds checking beyond the fixed wire lengths; callers slice
// the input to the right size first.
package codec
