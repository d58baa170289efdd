//go:build linux
// +build linux

package runtime

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// ptySession connects the init's stdio to a workload running on a pty.
type ptySession struct {
	ptmx     *os.File
	resizeCh chan os.Signal
	restore  func()
	outDone  chan struct{}
}

// startWithPTY starts cmd with a new pty as its controlling terminal. When
// stdin is a terminal it is switched to raw mode so control characters
// reach the workload, and window size changes are propagated.
func startWithPTY(cmd *exec.Cmd) (*ptySession, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &ptySession{
		ptmx:     ptmx,
		resizeCh: make(chan os.Signal, 1),
		restore:  func() {},
		outDone:  make(chan struct{}),
	}

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		signal.Notify(s.resizeCh, syscall.SIGWINCH)
		go func() {
			for range s.resizeCh {
				_ = pty.InheritSize(os.Stdin, ptmx)
			}
		}()
		s.resizeCh <- syscall.SIGWINCH

		if oldState, err := term.MakeRaw(stdinFd); err == nil {
			s.restore = func() { _ = term.Restore(stdinFd, oldState) }
		}
	}

	go func() {
		defer close(s.outDone)
		_, _ = io.Copy(os.Stdout, ptmx)
	}()
	// Reading stdin may block forever; this goroutine is not waited for.
	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()

	return s, nil
}

// Close ends output copying and restores the terminal.
func (s *ptySession) Close() {
	signal.Stop(s.resizeCh)
	_ = s.ptmx.Close()
	<-s.outDone
	s.restore()
}
