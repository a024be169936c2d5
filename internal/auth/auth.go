// Package auth holds the username/password credential table consulted during
// SOCKS5 username/password negotiation (RFC 1929).
package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credential is one accepted username/password pair. Password may be a bcrypt
// hash ("$2a$", "$2b$" or "$2y$" prefix) instead of plain text.
type Credential struct {
	Username string
	Password string
}

// Table is an immutable set of credentials plus the flag saying whether
// clients must authenticate at all.
type Table struct {
	RequiresAuth bool

	creds []Credential
}

// NewTable builds a Table. The credentials are copied.
func NewTable(requiresAuth bool, creds []Credential) *Table {
	return &Table{RequiresAuth: requiresAuth, creds: append([]Credential(nil), creds...)}
}

// Len returns the number of configured credentials.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.creds)
}

// Verify reports whether username and password exactly match a configured
// pair. When authentication is not required it always succeeds; when it is
// required and no table is configured it always fails.
func (t *Table) Verify(username, password string) bool {
	if t == nil {
		return false
	}
	if !t.RequiresAuth {
		return true
	}

	ok := false
	for _, c := range t.creds {
		if c.Username != username {
			continue
		}
		if matchPassword(c.Password, password) {
			ok = true
		}
	}
	return ok
}

func matchPassword(stored, given string) bool {
	if isBcrypt(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
