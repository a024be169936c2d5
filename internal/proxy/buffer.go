package proxy

import (
	"bytes"
	"errors"
	"io"
)

// ErrBufferCleared is returned when a PreConnectBuffer is used after it was
// flushed or cleared.
var ErrBufferCleared = errors.New("pre-connect buffer already cleared")

// PreConnectBuffer queues client bytes that arrive after the destination was
// chosen but before it is connected. It is drained exactly once.
//
// A PreConnectBuffer is not safe for concurrent use.
type PreConnectBuffer struct {
	chunks  [][]byte
	size    int
	cleared bool
}

// Push appends a copy of chunk.
func (b *PreConnectBuffer) Push(chunk []byte) error {
	if b.cleared {
		return ErrBufferCleared
	}
	if len(chunk) == 0 {
		return nil
	}
	b.chunks = append(b.chunks, bytes.Clone(chunk))
	b.size += len(chunk)
	return nil
}

// Len returns the number of queued bytes.
func (b *PreConnectBuffer) Len() int {
	return b.size
}

// Chunks returns the number of queued chunks.
func (b *PreConnectBuffer) Chunks() int {
	return len(b.chunks)
}

// Flush writes the queued chunks to w in arrival order and clears the
// buffer, whether or not the writes succeed.
func (b *PreConnectBuffer) Flush(w io.Writer) (int64, error) {
	if b.cleared {
		return 0, ErrBufferCleared
	}
	chunks := b.chunks
	b.Clear()

	var n int64
	for _, c := range chunks {
		m, err := w.Write(c)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Clear drops any queued bytes and makes the buffer unusable.
func (b *PreConnectBuffer) Clear() {
	b.chunks = nil
	b.size = 0
	b.cleared = true
}
