//go:build unix

package fleet

import (
	"context"
	"reflect"
)

// monitor is the child process monitor. It asynchronously listens for
// either (a) one of the monitored children exiting, or (b) a request
// to watch a newly launched child.
//
// The supervisor loop "waits" for child exits by receiving from the
// done channel; this is the only place children are reaped. The caller
// must size done's buffer for every exit that can queue up while it is
// not receiving: a blocked delivery would also stop src registrations,
// and with them the caller itself.
func monitor(ctx context.Context, src chan *child, done chan *child) {
	var watched []struct {
		Chan  chan error
		Child *child
	}
	for {
		cases := make([]reflect.SelectCase, len(watched)+2)
		for i, w := range watched {
			cases[i].Chan = reflect.ValueOf(w.Chan)
			cases[i].Dir = reflect.SelectRecv
		}
		cases[len(cases)-2].Chan = reflect.ValueOf(src)
		cases[len(cases)-2].Dir = reflect.SelectRecv
		cases[len(cases)-1].Chan = reflect.ValueOf(ctx.Done())
		cases[len(cases)-1].Dir = reflect.SelectRecv

		chosen, recv, recvOK := reflect.Select(cases)
		switch chosen {
		case len(cases) - 1:
			return
		case len(cases) - 2:
			if !recvOK {
				return
			}
			c := recv.Interface().(*child)
			ch := make(chan error, 1)
			go func(c *child, ch chan error) {
				ch <- c.cmd.Wait()
			}(c, ch)
			watched = append(watched, struct {
				Chan  chan error
				Child *child
			}{
				Chan:  ch,
				Child: c,
			})
			continue
		}

		exited := watched[chosen].Child
		// one of the children must have finished; remove the
		// corresponding entry
		switch {
		case len(watched) < 2:
			watched = nil
		case chosen == 0:
			watched = watched[1:]
		case chosen == len(watched)-1:
			watched = watched[:chosen]
		default:
			watched = append(watched[:chosen], watched[chosen+1:]...)
		}

		select {
		case done <- exited:
		case <-ctx.Done():
			return
		}
	}
}
