//go:build unix

package fleet

import (
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestGate(t *testing.T) {
	t.Run("pending poll", func(t *testing.T) {
		g := NewGate()
		if !assert.Equal(t, GatePending, g.Wait(0), "Wait(0) should not block") {
			return
		}
		if !assert.Equal(t, GatePending, g.Wait(-time.Second)) {
			return
		}
	})

	t.Run("ready", func(t *testing.T) {
		g := NewGate()
		g.Ready()
		if !assert.Equal(t, GateReady, g.Wait(0)) {
			return
		}
		if !assert.NoError(t, g.Err()) {
			return
		}
	})

	t.Run("failed", func(t *testing.T) {
		g := NewGate()
		g.Fail(errors.New("no database"))
		st, err := g.State()
		if !assert.Equal(t, GateFailed, st) {
			return
		}
		if !assert.EqualError(t, err, "no database") {
			return
		}
	})

	t.Run("second transition is discarded", func(t *testing.T) {
		g := NewGate()
		g.Ready()
		g.Fail(errors.New("too late"))
		st, err := g.State()
		if !assert.Equal(t, GateReady, st) {
			return
		}
		if !assert.NoError(t, err) {
			return
		}
	})

	t.Run("bounded wait times out", func(t *testing.T) {
		g := NewGate()
		start := time.Now()
		st := g.Wait(50 * time.Millisecond)
		if !assert.Equal(t, GateTimedOut, st) {
			return
		}
		if !assert.True(t, time.Since(start) >= 50*time.Millisecond, "Wait should block for the full duration") {
			return
		}
		// the gate itself is still pending; a timed out waiter does
		// not settle it
		if !assert.Equal(t, GatePending, g.Wait(0)) {
			return
		}
	})

	t.Run("bounded wait sees a late ready", func(t *testing.T) {
		g := NewGate()
		go func() {
			time.Sleep(20 * time.Millisecond)
			g.Ready()
		}()
		if !assert.Equal(t, GateReady, g.Wait(time.Second)) {
			return
		}
	})
}

func TestReadinessPipe(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		r, w, err := os.Pipe()
		if !assert.NoError(t, err) {
			return
		}
		g := NewGate()
		go g.report(w)
		g.Ready()

		st, err := awaitReady(r, time.Second)
		if !assert.Equal(t, GateReady, st) {
			return
		}
		if !assert.NoError(t, err) {
			return
		}
	})

	t.Run("failed carries the reason", func(t *testing.T) {
		r, w, err := os.Pipe()
		if !assert.NoError(t, err) {
			return
		}
		g := NewGate()
		go g.report(w)
		g.Fail(errors.New("no database"))

		st, err := awaitReady(r, time.Second)
		if !assert.Equal(t, GateFailed, st) {
			return
		}
		if !assert.True(t, errors.Is(err, ErrNotReady)) {
			return
		}
		if !assert.Contains(t, err.Error(), "no database") {
			return
		}
	})

	t.Run("closed pipe without report", func(t *testing.T) {
		r, w, err := os.Pipe()
		if !assert.NoError(t, err) {
			return
		}
		w.Close()

		st, err := awaitReady(r, time.Second)
		if !assert.Equal(t, GateFailed, st) {
			return
		}
		if !assert.True(t, errors.Is(err, ErrNotReady)) {
			return
		}
	})

	t.Run("deadline", func(t *testing.T) {
		r, w, err := os.Pipe()
		if !assert.NoError(t, err) {
			return
		}
		defer w.Close()

		st, err := awaitReady(r, 50*time.Millisecond)
		if !assert.Equal(t, GateTimedOut, st) {
			return
		}
		if !assert.True(t, errors.Is(err, ErrReadyTimeout)) {
			return
		}
	})
}
