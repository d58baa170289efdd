// Package syncpipe is the one-shot signal that holds the containerized init
// until the launcher has finished host-side setup.
//
// The launcher creates the pipe, hands the read end to the child as an
// inherited descriptor and keeps the write end. The child never holds the
// write end, so a Release without a byte still unblocks it with EOF.
package syncpipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// sentinel is the byte written by Release(true).
const sentinel = 'x'

// ErrAlreadyReleased is returned by a second Release.
var ErrAlreadyReleased = errors.New("sync signal already released")

// Signal is the launcher side of the pipe.
type Signal struct {
	mu       sync.Mutex
	r, w     *os.File
	released bool
}

// New creates the pipe.
func New() (*Signal, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create sync pipe: %w", err)
	}
	return &Signal{r: r, w: w}, nil
}

// ChildEnd returns the read end to pass to the child.
func (s *Signal) ChildEnd() *os.File {
	return s.r
}

// Release closes the launcher's copy of the read end, optionally writes the
// sentinel byte, then closes the write end. It may be called once.
func (s *Signal) Release(send bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrAlreadyReleased
	}
	s.released = true

	_ = s.r.Close()

	var writeErr error
	if send {
		if _, err := s.w.Write([]byte{sentinel}); err != nil {
			writeErr = fmt.Errorf("write sync byte: %w", err)
		}
	}
	if err := s.w.Close(); err != nil && writeErr == nil {
		writeErr = fmt.Errorf("close sync pipe: %w", err)
	}
	return writeErr
}

// Close releases both ends without signalling. It is a no-op after Release.
func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	_ = s.r.Close()
	_ = s.w.Close()
}

// Wait blocks until the launcher releases the signal, then closes f. Both
// the sentinel byte and EOF count as the signal.
func Wait(f *os.File) error {
	defer f.Close()

	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		return fmt.Errorf("read sync pipe: %w", err)
	}
	return nil
}
