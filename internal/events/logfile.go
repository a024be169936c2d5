package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogFilePattern names each log file after the hour it was opened in.
const LogFilePattern = "proxy-server-2006-01-02-15.log"

// RotatingFile is an io.Writer appending to a file in Dir that is switched
// to a new one whenever the hour changes. It is safe for concurrent use.
type RotatingFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	name string
	f    *os.File
}

// NewRotatingFile creates dir if needed and returns a writer into it.
func NewRotatingFile(dir string) (*RotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	return &RotatingFile{dir: dir, now: time.Now}, nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := filepath.Join(r.dir, r.now().Format(LogFilePattern))
	if name != r.name {
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		if r.f != nil {
			_ = r.f.Close()
		}
		r.f, r.name = f, name
	}
	return r.f.Write(p)
}

// Close closes the current file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.name = nil, ""
	return err
}
