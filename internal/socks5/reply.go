package socks5

import (
	"bytes"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// newReply builds a CONNECT reply. addr is written as given, so a domain
// echo must already carry its length prefix, and a nil addr and port yield
// the bare four byte header.
func newReply(rep, atyp byte, addr, port []byte) *txsocks5.Reply {
	return &txsocks5.Reply{
		Ver:     txsocks5.Ver,
		Rep:     rep,
		Rsv:     0x00,
		Atyp:    atyp,
		BndAddr: addr,
		BndPort: port,
	}
}

// writeMsg serializes m and sends it with a single Write.
func writeMsg(w io.Writer, m io.WriterTo) error {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
