package runtime

import (
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// The child shares the launcher's process group, so SIGINT and SIGQUIT typed
// at the terminal already reach it. SIGTERM and SIGHUP are usually aimed at
// the launcher alone and are relayed.
var (
	terminalSignals = []os.Signal{syscall.SIGINT, syscall.SIGQUIT}
	relayedSignals  = []os.Signal{syscall.SIGTERM, syscall.SIGHUP}
)

// signalGuard keeps the launcher alive from staging until the child has been
// reaped, so teardown always runs. Signals that arrive before the child
// exists are remembered and abort the run before spawn.
type signalGuard struct {
	mu      sync.Mutex
	proc    Process
	pending os.Signal

	ch   chan os.Signal
	done chan struct{}
	stop func(chan<- os.Signal)
	log  logrus.FieldLogger
}

func (l *Launcher) guardSignals(log logrus.FieldLogger) *signalGuard {
	g := &signalGuard{
		ch:   make(chan os.Signal, 4),
		done: make(chan struct{}),
		stop: l.stopNotify,
		log:  log,
	}
	sigs := make([]os.Signal, 0, len(terminalSignals)+len(relayedSignals))
	sigs = append(sigs, terminalSignals...)
	sigs = append(sigs, relayedSignals...)
	l.notify(g.ch, sigs...)

	go g.loop()
	return g
}

func (g *signalGuard) loop() {
	for {
		select {
		case sig := <-g.ch:
			g.handle(sig)
		case <-g.done:
			return
		}
	}
}

func (g *signalGuard) handle(sig os.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.proc == nil {
		if g.pending == nil {
			g.pending = sig
		}
		g.log.WithField("signal", sig).Warn("signal received during setup, aborting before spawn")
		return
	}
	if !isRelayed(sig) {
		g.log.WithField("signal", sig).Debug("signal left to the container")
		return
	}
	g.log.WithField("signal", sig).Debug("relaying signal to container")
	if err := g.proc.Signal(sig); err != nil {
		g.log.WithField("signal", sig).WithError(err).Warn("relay signal failed")
	}
}

// interrupted returns the first signal seen before attach, if any.
func (g *signalGuard) interrupted() os.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// attach starts relaying to proc. A relayed signal that slipped in after the
// last interrupted check is delivered now.
func (g *signalGuard) attach(proc Process) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.proc = proc
	if g.pending != nil && isRelayed(g.pending) {
		if err := proc.Signal(g.pending); err != nil {
			g.log.WithField("signal", g.pending).WithError(err).Warn("relay signal failed")
		}
	}
}

// release restores default signal handling.
func (g *signalGuard) release() {
	g.stop(g.ch)
	close(g.done)
}

func isRelayed(sig os.Signal) bool {
	for _, s := range relayedSignals {
		if s == sig {
			return true
		}
	}
	return false
}
