package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socksgate/internal/auth"
)

// ClientDial performs the client side of the handshake on conn and asks the
// server to CONNECT to address. A nil cred offers only the no-auth method.
func ClientDial(conn net.Conn, cred *auth.Credential, address string) error {
	if err := ClientNegotiate(conn, cred); err != nil {
		return err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn, cred *auth.Credential) error {
	methods := []byte{txsocks5.MethodNone}
	if cred != nil {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if err := writeMsg(conn, txsocks5.NewNegotiationRequest(methods)); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if cred == nil {
			return fmt.Errorf("%w: server requires username/password", ErrAuthFailed)
		}
		req := txsocks5.NewUserPassNegotiationRequest([]byte(cred.Username), []byte(cred.Password))
		if err := writeMsg(conn, req); err != nil {
			return fmt.Errorf("write credentials: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("read auth reply: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	default:
		return fmt.Errorf("%w: server selected method 0x%02x", ErrUnsupportedCapability, neg.Method)
	}
}

// ClientConnect sends a CONNECT request for address and waits for the reply.
// A refusal is returned as a *ReplyError.
func ClientConnect(conn net.Conn, address string) error {
	atyp, addr, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		// NewRequest adds the length prefix itself.
		addr = addr[1:]
	}

	if err := writeMsg(conn, txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port)); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Status: rep.Rep}
	}
	return nil
}
