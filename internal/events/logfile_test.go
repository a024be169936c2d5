package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRotatingFile(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "logs")
	r, err := NewRotatingFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	clock := time.Date(2026, 10, 19, 9, 59, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	l := zerolog.New(r)
	l.Info().Msg("first")
	l.Info().Msg("second")
	clock = clock.Add(2 * time.Minute)
	l.Info().Msg("third")

	tests := []struct {
		name  string
		lines int
	}{
		{"proxy-server-2026-10-19-09.log", 2},
		{"proxy-server-2026-10-19-10.log", 1},
	}
	for _, tt := range tests {
		data, err := os.ReadFile(filepath.Join(dir, tt.name))
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, b := range data {
			if b == '\n' {
				n++
			}
		}
		if n != tt.lines {
			t.Errorf("%s: got %d lines want %d: %q", tt.name, n, tt.lines, data)
		}
	}
}
