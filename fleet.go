//go:build unix

// Package fleet runs a fleet of HTTP worker processes and periodic
// background service processes under a single supervisor process.
//
// The supervisor binds every listening socket once, then launches the
// configured number of worker replicas per interface by re-executing the
// current binary. Replicas inherit the listener file descriptors, so the
// OS distributes incoming connections across them. Crashed children are
// relaunched until a global crash ceiling is reached, at which point the
// whole fleet is shut down.
//
// The same binary serves as supervisor, worker, and service process;
// Run inspects the FLEET_ROLE environment variable and dispatches to the
// appropriate loop, so an application's main function is simply:
//
//	func main() {
//		err := fleet.Run(context.Background(),
//			fleet.WithInterfaces([]*fleet.Interface{
//				{Name: "web", Addr: ":8080", Handler: mux},
//			}),
//		)
//		...
//	}
package fleet

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Environment variables that carry the process topology from the
// supervisor to its children. Applications normally never touch these.
const (
	EnvRole       = `FLEET_ROLE`
	EnvInterface  = `FLEET_INTERFACE`
	EnvService    = `FLEET_SERVICE`
	EnvListen     = `FLEET_LISTEN`
	EnvReadyFd    = `FLEET_READY_FD`
	EnvGeneration = `FLEET_GENERATION`
)

const version = `1.0.0`

// Role identifies which part of the fleet the current process is.
type Role int

const (
	RoleSupervisor Role = iota
	RoleWorker
	RoleService
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RoleService:
		return "service"
	default:
		return "supervisor"
	}
}

// CurrentRole reports the role of the current process, as recorded in
// the environment by the supervisor that launched it. A process that was
// not launched by a supervisor is the supervisor.
func CurrentRole() Role {
	switch os.Getenv(EnvRole) {
	case "worker":
		return RoleWorker
	case "service":
		return RoleService
	}
	return RoleSupervisor
}

func currentGeneration() int {
	g, _ := strconv.Atoi(os.Getenv(EnvGeneration))
	return g
}

// Interface describes one listening surface and the set of worker
// replicas serving it. Exactly one of Addr (TCP) or Path (unix socket)
// must be set.
type Interface struct {
	// Name identifies the interface in logs, the status file and
	// the admin API. Required, and unique within a fleet.
	Name string

	// Addr is the TCP address to listen on, in host:port form.
	Addr string

	// Path is the unix domain socket path to listen on.
	Path string

	// Processes is the number of worker replicas to run. Zero means
	// "one per logical CPU".
	Processes int

	// Handler serves requests in each worker replica. Required.
	Handler http.Handler
}

// Mode selects where a service process runs.
type Mode int

const (
	// ModeThread runs the service inside each worker process of its
	// interface, sharing that worker's memory.
	ModeThread Mode = iota

	// ModeProcess runs the service as its own supervised OS process.
	ModeProcess
)

func (m Mode) String() string {
	if m == ModeProcess {
		return "process"
	}
	return "thread"
}

// ServiceProcess describes one periodic background task.
type ServiceProcess struct {
	// Name identifies the service. Required, unique within a fleet.
	Name string

	// Interface, for ModeThread services, names the interface whose
	// workers host the task. Empty means every worker hosts it.
	Interface string

	// Mode selects thread or process execution.
	Mode Mode

	// Init runs exactly once before the first Task invocation. An
	// error stops the runner and marks its readiness gate failed.
	Init func(ctx context.Context) error

	// Task is the periodic body. Errors (and panics) are logged and
	// the schedule continues. Required.
	Task func(ctx context.Context) error

	// Interval is the pause between the end of one Task invocation
	// and the start of the next.
	Interval time.Duration

	// WaitReady makes the launcher block until Init has completed,
	// and treats a readiness failure or timeout as fatal to the host
	// process (workers) or as a crash (process mode).
	WaitReady bool

	// ReadyTimeout bounds the WaitReady wait. Zero means the
	// fleet-wide default.
	ReadyTimeout time.Duration

	// ExemptFromCeiling, for ModeProcess services, excludes OS-level
	// crashes of this service from the global crash ceiling. They
	// are still logged and the service is still relaunched.
	ExemptFromCeiling bool
}

// Run inspects the process role and runs the appropriate loop: the
// supervisor in the parent process, the HTTP serving loop in a worker,
// or a single service runner in a service process. It blocks until the
// process is asked to shut down, and returns nil on a graceful stop.
func Run(ctx context.Context, options ...Option) error {
	switch CurrentRole() {
	case RoleWorker:
		return runWorker(ctx, options...)
	case RoleService:
		return runServiceProcess(ctx, options...)
	}

	s, err := New(options...)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
