//go:build unix

package fleet

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Option configures a Supervisor (and, through Run, the child
// processes, which receive the same option list).
type Option interface {
	Name() string
	Value() interface{}
}

type valueOption struct {
	name  string
	value interface{}
}

func (o *valueOption) Name() string {
	return o.name
}

func (o *valueOption) Value() interface{} {
	return o.value
}

// WithInterfaces declares the listening interfaces and their worker
// replica counts.
func WithInterfaces(l []*Interface) Option {
	return &valueOption{name: "interfaces", value: l}
}

// WithServices declares the periodic service processes.
func WithServices(l []*ServiceProcess) Option {
	return &valueOption{name: "services", value: l}
}

// WithHandler attaches a handler to a named interface. This is how
// interfaces declared on the command line acquire their handlers.
func WithHandler(name string, h http.Handler) Option {
	return &valueOption{name: "handler", value: &namedHandler{name: name, handler: h}}
}

// WithCrashCeiling sets the total number of unexpected child exits
// tolerated before the whole fleet shuts down (default 100).
func WithCrashCeiling(n int) Option {
	return &valueOption{name: "crash_ceiling", value: n}
}

// WithGracePeriod sets how long a child is given to exit after the
// termination signal before it is force-killed (default 10s).
func WithGracePeriod(t time.Duration) Option {
	return &valueOption{name: "grace_period", value: t}
}

// WithInterval sets the pause between launching a child and probing
// that it is still alive (default 1s).
func WithInterval(t time.Duration) Option {
	return &valueOption{name: "interval", value: t}
}

// WithReadyTimeout sets the default bound on wait-for-ready service
// startup (default 10s).
func WithReadyTimeout(t time.Duration) Option {
	return &valueOption{name: "ready_timeout", value: t}
}

func WithPidFile(s string) Option {
	return &valueOption{name: "pid_file", value: s}
}

func WithStatusFile(s string) Option {
	return &valueOption{name: "status_file", value: s}
}

// WithEnvdir points at a directory of single-line files that is
// re-read into the child environment before every (re)launch.
func WithEnvdir(dir string) Option {
	return &valueOption{name: "envdir", value: dir}
}

// WithAdminAddr enables the read-only admin HTTP API on the given
// address in the supervisor process.
func WithAdminAddr(s string) Option {
	return &valueOption{name: "admin_addr", value: s}
}

// WithSignalOnTERM sets the signal forwarded to children when the
// supervisor is asked to shut down (default SIGTERM).
func WithSignalOnTERM(s os.Signal) Option {
	return &valueOption{name: "signal_on_term", value: s}
}

// WithSignalOnHUP sets the signal sent to the old worker generation
// during a rolling restart (default SIGTERM).
func WithSignalOnHUP(s os.Signal) Option {
	return &valueOption{name: "signal_on_hup", value: s}
}

// WithBinding registers a user-signal hook. Broadcast bindings are
// forwarded from the supervisor to every live child.
func WithBinding(b Binding) Option {
	return &valueOption{name: "binding", value: b}
}

// WithBroadcastHook binds f to the broadcast signal class (SIGUSR1).
func WithBroadcastHook(f Hook) Option {
	return WithBinding(Binding{Signal: sigBroadcast, Hook: f, Broadcast: true})
}

// WithLocalHook binds f to the local signal class (SIGUSR2).
func WithLocalHook(f Hook) Option {
	return WithBinding(Binding{Signal: sigLocal, Hook: f})
}

func WithNoticeOutput(w io.Writer) Option {
	return &valueOption{name: "notice_output", value: w}
}

func WithLogger(l *slog.Logger) Option {
	return &valueOption{name: "logger", value: l}
}

type namedHandler struct {
	name    string
	handler http.Handler
}
