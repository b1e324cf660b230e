//go:build unix

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Default signal classes. Both may be rebound through WithBinding.
var (
	sigBroadcast = os.Signal(syscall.SIGUSR1)
	sigLocal     = os.Signal(syscall.SIGUSR2)
)

var niceSigNames map[syscall.Signal]string
var niceNameToSigs map[string]syscall.Signal

func makeNiceSigNames() map[syscall.Signal]string {
	return map[syscall.Signal]string{
		syscall.SIGABRT: "ABRT",
		syscall.SIGALRM: "ALRM",
		syscall.SIGBUS:  "BUS",
		syscall.SIGCHLD: "CHLD",
		syscall.SIGCONT: "CONT",
		syscall.SIGFPE:  "FPE",
		syscall.SIGHUP:  "HUP",
		syscall.SIGILL:  "ILL",
		syscall.SIGINT:  "INT",
		syscall.SIGKILL: "KILL",
		syscall.SIGPIPE: "PIPE",
		syscall.SIGQUIT: "QUIT",
		syscall.SIGSEGV: "SEGV",
		syscall.SIGSTOP: "STOP",
		syscall.SIGTERM: "TERM",
		syscall.SIGTRAP: "TRAP",
		syscall.SIGUSR1: "USR1",
		syscall.SIGUSR2: "USR2",
		syscall.SIGWINCH: "WINCH",
	}
}

func init() {
	niceSigNames = makeNiceSigNames()
	niceNameToSigs = make(map[string]syscall.Signal)
	for sig, name := range niceSigNames {
		niceNameToSigs[name] = sig
	}
}

func signame(s os.Signal) string {
	if ss, ok := s.(syscall.Signal); ok {
		if name, ok := niceSigNames[ss]; ok {
			return name
		}
	}
	return fmt.Sprintf("UNKNOWN (%s)", s)
}

func sigFromName(n string) os.Signal {
	n = strings.ToUpper(n)
	if strings.HasPrefix(n, "SIG") {
		n = n[3:] // remove SIG prefix
	}

	if sig, ok := niceNameToSigs[n]; ok {
		return sig
	}
	return nil
}

// Hook is a user-signal handler. It runs in the receiving process's
// own context; errors are logged and contained.
type Hook func(ctx context.Context) error

// Binding maps a signal to a hook. Broadcast bindings received by the
// supervisor are forwarded to every live child after the supervisor's
// own hook has run; a child receiving the same signal (forwarded or
// direct) only runs its own hook.
type Binding struct {
	Signal    os.Signal
	Hook      Hook
	Broadcast bool
}

// router is the per-process signal dispatch table, resolved once at
// startup so that a bad binding fails the launch, not the delivery.
type router struct {
	bindings map[syscall.Signal]Binding
}

// Signals the lifecycle machinery owns; user bindings may not claim
// them.
var reservedSigs = []syscall.Signal{
	syscall.SIGTERM,
	syscall.SIGINT,
	syscall.SIGHUP,
	syscall.SIGKILL,
}

func newRouter(bindings []Binding) (*router, error) {
	r := &router{bindings: make(map[syscall.Signal]Binding)}
	for _, b := range bindings {
		if b.Hook == nil {
			return nil, errors.Wrapf(ErrBadBinding, "binding for %s has no hook", signame(b.Signal))
		}
		ss, ok := b.Signal.(syscall.Signal)
		if !ok {
			return nil, errors.Wrapf(ErrBadBinding, "signal %v is not an OS signal", b.Signal)
		}
		for _, res := range reservedSigs {
			if ss == res {
				return nil, errors.Wrapf(ErrBadBinding, "%s is reserved for lifecycle control", signame(ss))
			}
		}
		if _, dup := r.bindings[ss]; dup {
			return nil, errors.Wrapf(ErrBadBinding, "%s is bound twice", signame(ss))
		}
		r.bindings[ss] = b
	}
	return r, nil
}

func (r *router) signals() []os.Signal {
	sigs := make([]os.Signal, 0, len(r.bindings))
	for ss := range r.bindings {
		sigs = append(sigs, ss)
	}
	return sigs
}

func (r *router) lookup(sig os.Signal) (Binding, bool) {
	ss, ok := sig.(syscall.Signal)
	if !ok {
		return Binding{}, false
	}
	b, ok := r.bindings[ss]
	return b, ok
}

// dispatch runs the hook bound to sig, if any. Hook panics and errors
// are contained here so signal handling can never corrupt the caller's
// lifecycle bookkeeping. When the binding is a broadcast binding and
// forward is non-nil, the signal is passed on after the hook runs.
func (r *router) dispatch(ctx context.Context, sig os.Signal, logger *slog.Logger, forward func(os.Signal)) {
	b, ok := r.lookup(sig)
	if !ok {
		return
	}
	func() {
		defer func() {
			if e := recover(); e != nil {
				logger.Warn("signal hook panicked", "signal", signame(sig), "panic", fmt.Sprint(e))
			}
		}()
		if err := b.Hook(ctx); err != nil {
			logger.Warn("signal hook failed", "signal", signame(sig), "error", err.Error())
		}
	}()
	if b.Broadcast && forward != nil {
		forward(sig)
	}
}

// acceptSignals keeps listening for the lifecycle signals plus every
// bound user signal, and queues them into dst so the event loop can
// take them one per turn.
func acceptSignals(ctx context.Context, dst chan os.Signal, extra ...os.Signal) {
	src := make(chan os.Signal, 32) // up to 32 queued signals
	watch := append([]os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}, extra...)
	signal.Notify(src, watch...)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(src)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-src:
			if !ok {
				return
			}
			select {
			case dst <- sig:
			case <-ctx.Done():
				return
			}
		}
	}
}
