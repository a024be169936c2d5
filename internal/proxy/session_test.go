package proxy

import (
	"testing"

	"github.com/google/uuid"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := &Session{ID: uuid.New()}
	b := &Session{ID: uuid.New()}
	r.add(a)
	r.add(b)

	if r.Len() != 2 {
		t.Fatalf("Len: got %d want 2", r.Len())
	}
	if got, ok := r.Get(a.ID); !ok || got != a {
		t.Fatalf("Get(a): got %v, %v", got, ok)
	}
	seen := 0
	r.Range(func(*Session) bool {
		seen++
		return true
	})
	if seen != 2 {
		t.Fatalf("Range visited %d sessions want 2", seen)
	}
	seen = 0
	r.Range(func(*Session) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Fatalf("Range after false visited %d sessions want 1", seen)
	}

	r.remove(a.ID)
	if _, ok := r.Get(a.ID); ok {
		t.Fatal("removed session still present")
	}
	if r.Len() != 1 {
		t.Fatalf("Len after remove: got %d want 1", r.Len())
	}
}

func TestDecisionAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    Decision
		want string
	}{
		{Decision{Host: "127.0.0.1", Port: 80}, "127.0.0.1:80"},
		{Decision{Host: "example.com", Port: 65535}, "example.com:65535"},
	}
	for _, tt := range tests {
		if got := tt.d.Address(); got != tt.want {
			t.Errorf("Address(%+v): got %q want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseTransportKind(t *testing.T) {
	t.Parallel()

	for _, k := range []TransportKind{Raw, TLS} {
		got, err := ParseTransportKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseTransportKind(%q): got %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseTransportKind("udp"); err == nil {
		t.Error("expected error for udp")
	}
}
