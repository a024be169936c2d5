// Package policy decides whether a destination IP may be proxied to, based on
// optional allow and deny lists of literal IP address strings.
package policy

import (
	"errors"
	"fmt"
	"slices"
)

// ErrNotAllowed is returned by Check for a destination the lists reject.
var ErrNotAllowed = errors.New("destination not allowed")

// Filter holds the allow and deny lists. A nil list imposes no restriction.
// A Filter is immutable once built and safe for concurrent use.
type Filter struct {
	allow []string
	deny  []string
}

// New builds a Filter. The lists are copied; nil means absent, while an empty
// non-nil allow list admits nothing.
func New(allow, deny []string) *Filter {
	return &Filter{allow: clone(allow), deny: clone(deny)}
}

// Permits reports whether ip passes both lists.
func (f *Filter) Permits(ip string) bool {
	if f == nil {
		return true
	}
	if f.allow != nil && !slices.Contains(f.allow, ip) {
		return false
	}
	if f.deny != nil && slices.Contains(f.deny, ip) {
		return false
	}
	return true
}

// Check is Permits returning an error wrapping ErrNotAllowed.
func (f *Filter) Check(ip string) error {
	if !f.Permits(ip) {
		return fmt.Errorf("%w: %s", ErrNotAllowed, ip)
	}
	return nil
}

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
