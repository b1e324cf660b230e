//go:build unix

package fleet

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// GateState is the observed state of a readiness gate.
type GateState int

const (
	GatePending GateState = iota
	GateReady
	GateFailed
	GateTimedOut
)

func (st GateState) String() string {
	switch st {
	case GateReady:
		return "ready"
	case GateFailed:
		return "failed"
	case GateTimedOut:
		return "timed out"
	}
	return "pending"
}

// Gate is a one-shot readiness cell. A service runner transitions it
// exactly once, to ready or to failed; late transitions are discarded.
// Waiters block only themselves.
type Gate struct {
	mu    sync.Mutex
	once  sync.Once
	state GateState
	err   error
	done  chan struct{}
}

func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Ready marks the gate ready. A no-op if the gate is already settled.
func (g *Gate) Ready() {
	g.settle(GateReady, nil)
}

// Fail marks the gate failed. A no-op if the gate is already settled.
func (g *Gate) Fail(err error) {
	if err == nil {
		err = ErrNotReady
	}
	g.settle(GateFailed, err)
}

func (g *Gate) settle(st GateState, err error) {
	g.once.Do(func() {
		g.mu.Lock()
		g.state = st
		g.err = err
		g.mu.Unlock()
		close(g.done)
	})
}

// State reports the current state without blocking.
func (g *Gate) State() (GateState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.err
}

// Wait blocks the caller until the gate settles or d elapses. A zero
// or negative d is a non-blocking poll of the current state.
func (g *Gate) Wait(d time.Duration) GateState {
	if d <= 0 {
		st, _ := g.State()
		return st
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-g.done:
		st, _ := g.State()
		return st
	case <-t.C:
		return GateTimedOut
	}
}

// Err returns the failure recorded on the gate, if any.
func (g *Gate) Err() error {
	_, err := g.State()
	return err
}

// The supervisor learns about a service child's readiness over an
// inherited pipe: the child writes one line ("ready" or
// "failed:<reason>") on the write end it finds via FLEET_READY_FD,
// and the parent performs a bounded read on the read end. The pipe
// rides the same ExtraFiles mechanism as the listener sockets.

// report copies the gate's eventual state onto w and closes it. It
// blocks until the gate settles, so callers run it in its own
// goroutine.
func (g *Gate) report(w *os.File) {
	if w == nil {
		return
	}
	<-g.done
	st, err := g.State()
	switch st {
	case GateReady:
		fmt.Fprintf(w, "ready\n")
	default:
		reason := "unknown"
		if err != nil {
			reason = strings.ReplaceAll(err.Error(), "\n", " ")
		}
		fmt.Fprintf(w, "failed:%s\n", reason)
	}
	w.Close()
}

// readyPipeFile returns the write end of the readiness pipe inherited
// from the supervisor, or nil when the process was launched without
// one (WaitReady unset).
func readyPipeFile() *os.File {
	v := os.Getenv(EnvReadyFd)
	if v == "" {
		return nil
	}
	fd, err := strconv.ParseUint(v, 10, 0)
	if err != nil {
		return nil
	}
	return os.NewFile(uintptr(fd), "fleet-ready-pipe")
}

// awaitReady performs the parent-side bounded wait on r. The wait
// blocks only the calling goroutine; the deadline makes it a bounded
// per-child wait as seen from the supervisor loop.
func awaitReady(r *os.File, d time.Duration) (GateState, error) {
	defer r.Close()
	if err := r.SetReadDeadline(time.Now().Add(d)); err != nil {
		return GateFailed, errors.Wrap(err, "failed to arm readiness deadline")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		if os.IsTimeout(err) {
			return GateTimedOut, ErrReadyTimeout
		}
		// Child closed the pipe (or died) without reporting.
		return GateFailed, errors.Wrap(ErrNotReady, "readiness pipe closed")
	}
	line = strings.TrimSpace(line)
	if line == "ready" {
		return GateReady, nil
	}
	reason := strings.TrimPrefix(line, "failed:")
	return GateFailed, errors.Wrap(ErrNotReady, reason)
}
