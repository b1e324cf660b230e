//go:build unix

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/lestrrat-go/fleet/internal/env"
	"github.com/lestrrat-go/fleet/listener"
)

// Supervisor is the parent-process orchestrator. It owns the listener
// sockets, the child table, the restart counter, and the signal
// routing; all of its bookkeeping is mutated only by the single event
// loop in Run, so crash accounting and signal forwarding can never
// race each other.
type Supervisor struct {
	cfg     *config
	command string
	args    []string

	mu       sync.Mutex // guards children/addrs/crashes for admin reads
	children map[int]*child
	addrs    map[string]net.Addr
	crashes  int
	gen      int
	started  time.Time

	workerSpecs  []*childSpec
	serviceSpecs []*childSpec
	envLoader    *env.Loader
	sysenv       env.Environment
	logger       *slog.Logger

	statusFileCreated bool
}

// New validates the options and prepares a Supervisor. The returned
// value does nothing until Run is called, in the supervisor role.
func New(options ...Option) (*Supervisor, error) {
	cfg, err := resolveConfig(options...)
	if err != nil {
		return nil, err
	}

	if len(cfg.interfaces) == 0 && len(cfg.processServices()) == 0 {
		return nil, ErrNoInterfaces
	}
	for _, iface := range cfg.interfaces {
		if iface.Handler == nil {
			return nil, errors.Wrapf(ErrNoHandler, "interface %s", iface.Name)
		}
	}

	return &Supervisor{
		cfg:      cfg,
		command:  os.Args[0],
		args:     os.Args[1:],
		children: make(map[int]*child),
		addrs:    make(map[string]net.Addr),
	}, nil
}

// Stop asks a running supervisor to shut down gracefully, from
// anywhere in the same process.
func (s *Supervisor) Stop() {
	p, _ := os.FindProcess(os.Getpid())
	p.Signal(syscall.SIGTERM)
}

// Addr returns the bound address for a named interface. Useful when
// the interface was configured with port 0.
func (s *Supervisor) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

// Run binds every listener, launches the fleet, and supervises it
// until a termination signal arrives (returns nil), the context is
// canceled (returns nil), or the crash ceiling is breached (returns
// ErrCrashCeiling).
func (s *Supervisor) Run(octx context.Context) error {
	ctx, cancel := context.WithCancel(octx)
	defer cancel()

	s.logger = s.cfg.logger.With("role", "supervisor", "pid", pid())
	s.started = time.Now()

	if s.cfg.envdir != "" {
		os.Setenv("ENVDIR", s.cfg.envdir)
	}
	s.sysenv = env.SystemEnvironment()
	s.envLoader = env.NewLoader()

	if err := s.bindAll(); err != nil {
		return err
	}
	defer s.closeListeners()

	if s.cfg.pidFile != "" {
		f, err := s.writePidFile()
		if err != nil {
			return err
		}
		defer f.Close()
		defer os.Remove(f.Name())
	}
	defer func() {
		if s.statusFileCreated {
			os.Remove(s.cfg.statusFile)
		}
	}()

	if s.cfg.adminAddr != "" {
		al, err := net.Listen("tcp", s.cfg.adminAddr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on admin address %s", s.cfg.adminAddr)
		}
		defer al.Close()
		go http.Serve(al, s.Handler())
		s.logger.Info("admin api listening", "addr", al.Addr().String())
	}

	// The monitor reaps children; the signal acceptor queues signals.
	// The loop below is the only consumer of both. The done channel
	// must absorb every exit that can pile up while the loop is busy
	// inside launch, or the monitor would block on delivery and stop
	// accepting registrations, wedging the loop against launch's own
	// send. Each live child contributes at most one queued exit, and a
	// rolling restart at most doubles the worker population, so this
	// capacity keeps the monitor's delivery non-blocking.
	childSrc := make(chan *child)
	childDone := make(chan *child, 2*len(s.workerSpecs)+len(s.serviceSpecs)+1)
	go monitor(ctx, childSrc, childDone)

	sigCh := make(chan os.Signal, 32)
	go acceptSignals(ctx, sigCh, s.cfg.router.signals()...)

	for _, sp := range s.workerSpecs {
		if err := s.launch(ctx, sp, childSrc); err != nil {
			s.terminateAll()
			return err
		}
	}
	for _, sp := range s.serviceSpecs {
		if err := s.launch(ctx, sp, childSrc); err != nil {
			s.terminateAll()
			return err
		}
	}
	s.updateStatus()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context canceled, shutting down")
			s.terminateAll()
			return nil

		case c := <-childDone:
			expected := s.reap(c)
			if expected {
				continue
			}
			if c.spec.countsTowardCeiling() {
				s.mu.Lock()
				s.crashes++
				crashes := s.crashes
				s.mu.Unlock()
				if crashes >= s.cfg.ceiling {
					s.logger.Error("crash ceiling breached, shutting down",
						"crashes", crashes, "ceiling", s.cfg.ceiling)
					s.terminateAll()
					return ErrCrashCeiling
				}
			}
			// Refresh the child environment from the envdir, then
			// relaunch a replacement on the same shared sockets.
			s.envLoader.Apply(ctx, s.sysenv)
			s.logger.Info("restarting child", "name", c.spec.label())
			if err := s.launch(ctx, c.spec, childSrc); err != nil {
				s.terminateAll()
				return err
			}
			s.updateStatus()

		case sig := <-sigCh:
			switch sig {
			case os.Signal(syscall.SIGTERM), os.Signal(syscall.SIGINT):
				s.logger.Info("received termination", "signal", signame(sig))
				s.terminateAll()
				return nil
			case os.Signal(syscall.SIGHUP):
				s.envLoader.Apply(ctx, s.sysenv)
				if err := s.rollingRestart(ctx, childSrc); err != nil {
					s.terminateAll()
					return err
				}
			default:
				s.cfg.router.dispatch(ctx, sig, s.logger, s.forward)
			}
		}
	}
}

// bindAll creates every listening socket, in declaration order, and
// computes the child specs. Replica k of an interface only exists
// after the single bind for that interface succeeded, so all replicas
// share one socket.
func (s *Supervisor) bindAll() error {
	for _, iface := range s.cfg.interfaces {
		var l net.Listener
		var f *os.File
		var spec string
		var err error

		switch {
		case iface.Addr != "":
			l, err = net.Listen("tcp", iface.Addr)
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %s for interface %s", iface.Addr, iface.Name)
			}
			ta := l.Addr().(*net.TCPAddr)
			f, err = l.(*net.TCPListener).File()
			if err != nil {
				l.Close()
				return errors.Wrap(err, "failed to get fd from listener")
			}
			// ExtraFiles start at descriptor 3 in the child, and a
			// worker gets exactly one listener.
			spec = listener.NewTCPListener(ta.IP.String(), ta.Port, 3).String()
		default:
			if fl, err := os.Lstat(iface.Path); err == nil && fl.Mode()&os.ModeSocket == os.ModeSocket {
				s.cfg.logger.Warn("removing existing socket file", "path", iface.Path)
				os.Remove(iface.Path)
			}
			l, err = net.Listen("unix", iface.Path)
			if err != nil {
				return errors.Wrapf(err, "failed to listen on %s for interface %s", iface.Path, iface.Name)
			}
			f, err = l.(*net.UnixListener).File()
			if err != nil {
				l.Close()
				return errors.Wrap(err, "failed to get fd from listener")
			}
			spec = listener.NewUnixListener(iface.Path, 3).String()
		}

		s.mu.Lock()
		s.addrs[iface.Name] = l.Addr()
		s.mu.Unlock()

		n := replicas(iface)
		s.logger.Info("initialized interface",
			"interface", iface.Name, "addr", l.Addr().String(), "processes", n)
		for k := 0; k < n; k++ {
			s.workerSpecs = append(s.workerSpecs, &childSpec{
				kind:    kindWorker,
				iface:   iface,
				replica: k,
				files:   []*os.File{f},
				listen:  spec,
			})
		}
	}

	for _, svc := range s.cfg.processServices() {
		s.serviceSpecs = append(s.serviceSpecs, &childSpec{
			kind: kindService,
			svc:  svc,
		})
	}
	return nil
}

func (s *Supervisor) closeListeners() {
	seen := map[*os.File]bool{}
	for _, sp := range s.workerSpecs {
		for _, f := range sp.files {
			if !seen[f] {
				seen[f] = true
				f.Close()
			}
		}
	}
}

// newCommand builds the exec.Cmd for one child slot. Children re-run
// the same binary; the role env vars steer Run's dispatch on their
// side. The returned ready file is the parent's read end of the
// readiness pipe, non-nil only for wait-for-ready service specs.
func (s *Supervisor) newCommand(ctx context.Context, sp *childSpec) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(s.command, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	environ := s.envLoader.Environ(ctx)
	environ = append(environ, EnvGeneration+"="+strconv.Itoa(s.gen))

	var readyR *os.File
	switch sp.kind {
	case kindWorker:
		cmd.ExtraFiles = sp.files
		environ = append(environ,
			EnvRole+"=worker",
			EnvInterface+"="+sp.iface.Name,
			listener.EnvName+"="+sp.listen,
		)
	case kindService:
		environ = append(environ,
			EnvRole+"=service",
			EnvService+"="+sp.svc.Name,
		)
		if sp.svc.WaitReady {
			r, w, err := os.Pipe()
			if err != nil {
				return nil, nil, errors.Wrap(err, "failed to create readiness pipe")
			}
			readyR = r
			cmd.ExtraFiles = []*os.File{w}
			environ = append(environ, EnvReadyFd+"=3")
		}
	}
	cmd.Env = environ
	return cmd, readyR, nil
}

// budget consumes one unit of crash budget for sp, reporting whether
// the ceiling is now breached. Start failures and readiness failures
// go through here so they count exactly like crashes.
func (s *Supervisor) budget(sp *childSpec) bool {
	if !sp.countsTowardCeiling() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashes++
	return s.crashes >= s.cfg.ceiling
}

// launch starts one child for sp, retrying until the child survives
// its liveness probe (and, for wait-for-ready services, reports
// ready). Every failed attempt consumes crash budget; the only error
// returned is ErrCrashCeiling.
func (s *Supervisor) launch(ctx context.Context, sp *childSpec, src chan *child) error {
	for {
		cmd, readyR, err := s.newCommand(ctx, sp)
		if err != nil {
			return err
		}

		if err := cmd.Start(); err != nil {
			s.logger.Error("failed to exec child", "name", sp.label(), "error", err.Error())
			if readyR != nil {
				readyR.Close()
			}
			if s.budget(sp) {
				return ErrCrashCeiling
			}
			time.Sleep(s.cfg.interval)
			continue
		}
		// The child owns its copy of the pipe write end now.
		if len(cmd.ExtraFiles) > 0 && sp.kind == kindService {
			cmd.ExtraFiles[0].Close()
		}

		c := newChild(sp, cmd, s.gen)
		s.logger.Info("starting new child",
			"name", sp.label(), "kind", sp.kind.String(), "pid", c.pid, "id", c.id.String())

		if sp.kind == kindService && sp.svc.WaitReady {
			st, rerr := awaitReady(readyR, s.cfg.serviceReadyTimeout(sp.svc))
			if st != GateReady {
				s.logger.Error("service failed to become ready",
					"name", sp.label(), "state", st.String(), "error", rerr.Error())
				cmd.Process.Kill()
				cmd.Wait()
				if s.budget(sp) {
					return ErrCrashCeiling
				}
				time.Sleep(s.cfg.interval)
				continue
			}
			s.logger.Info("service ready", "name", sp.label(), "pid", c.pid)
		} else {
			if readyR != nil {
				readyR.Close()
			}
			// Wait for up to `interval` before checking that the
			// child is still with us.
			time.Sleep(s.cfg.interval)
			if err := syscall.Kill(c.pid, syscall.Signal(0)); err != nil {
				cmd.Wait()
				status := -1
				if cmd.ProcessState != nil {
					status = cmd.ProcessState.ExitCode()
				}
				s.logger.Error("new child seems to have failed to start",
					"name", sp.label(), "pid", c.pid, "status", status)
				if s.budget(sp) {
					return ErrCrashCeiling
				}
				continue
			}
		}

		s.mu.Lock()
		s.children[c.pid] = c
		s.mu.Unlock()
		src <- c
		return nil
	}
}

// reap removes an exited child from the table and logs the exit. It
// reports whether the exit was expected.
func (s *Supervisor) reap(c *child) bool {
	status := -1
	if st := c.cmd.ProcessState; st != nil {
		status = st.ExitCode()
	}

	s.mu.Lock()
	delete(s.children, c.pid)
	s.mu.Unlock()

	if c.expected {
		s.logger.Info("child exited",
			"name", c.spec.label(), "pid", c.pid, "status", status, "expected", true)
	} else {
		s.logger.Warn("child died unexpectedly",
			"name", c.spec.label(), "pid", c.pid, "status", status, "expected", false)
	}
	s.updateStatus()
	return c.expected
}

func (s *Supervisor) liveChildren() []*child {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *child) int { return a.pid - b.pid })
	return out
}

// forward relays sig to every live child. Used for the broadcast
// signal class; children never propagate further.
func (s *Supervisor) forward(sig os.Signal) {
	for _, c := range s.liveChildren() {
		if err := c.cmd.Process.Signal(sig); err != nil {
			s.logger.Warn("failed to forward signal",
				"signal", signame(sig), "pid", c.pid, "error", err.Error())
			continue
		}
		s.logger.Info("forwarded signal", "signal", signame(sig), "pid", c.pid)
	}
}

// terminateAll is the two-phase shutdown: ask every live child to
// exit with the configured termination signal, give each up to the
// grace period, then force-kill stragglers. Exits are observed with a
// signal-0 probe so the sweep works whether or not the monitor is
// still draining; the per-child wait goroutines do the actual reaping.
func (s *Supervisor) terminateAll() {
	term := s.cfg.sigOnTERM

	live := s.liveChildren()
	if len(live) == 0 {
		s.logger.Info("exiting")
		return
	}

	pids := make([]string, 0, len(live))
	for _, c := range live {
		c.expected = true
		pids = append(pids, strconv.Itoa(c.pid))
	}
	s.logger.Info("sending signal to all children",
		"signal", signame(term), "pids", fmt.Sprint(pids))
	for _, c := range live {
		c.cmd.Process.Signal(term)
	}

	grace := time.After(s.cfg.grace)
	hardstop := time.After(s.cfg.grace + 5*time.Second)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, c := range s.liveChildren() {
				if syscall.Kill(c.pid, syscall.Signal(0)) != nil {
					s.reap(c)
				}
			}
			if len(s.liveChildren()) == 0 {
				s.logger.Info("exiting")
				return
			}
		case <-grace:
			for _, c := range s.liveChildren() {
				s.logger.Warn("grace period expired, killing child",
					"name", c.spec.label(), "pid", c.pid)
				c.cmd.Process.Kill()
			}
		case <-hardstop:
			// SIGKILL already went out and something still refuses
			// to die; give up rather than hang.
			s.logger.Error("giving up waiting for children",
				"remaining", len(s.liveChildren()))
			return
		}
	}
}

// rollingRestart launches a fresh generation of every worker slot,
// then signals the old generation. Old exits are expected and do not
// consume crash budget. Service processes are left alone.
func (s *Supervisor) rollingRestart(ctx context.Context, src chan *child) error {
	old := []*child{}
	for _, c := range s.liveChildren() {
		if c.spec.kind == kindWorker {
			c.expected = true
			old = append(old, c)
		}
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	s.logger.Info("rolling restart", "generation", gen, "old_workers", len(old))

	for _, sp := range s.workerSpecs {
		if err := s.launch(ctx, sp, src); err != nil {
			return err
		}
	}
	s.updateStatus()

	for _, c := range old {
		c.cmd.Process.Signal(s.cfg.sigOnHUP)
	}
	return nil
}

func (s *Supervisor) writePidFile() (*os.File, error) {
	f, err := os.OpenFile(s.cfg.pidFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open file:%s", s.cfg.pidFile)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "flock failed(%s)", s.cfg.pidFile)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to sync file(%s)", s.cfg.pidFile)
	}
	return f, nil
}

// updateStatus rewrites the status file with one line per live worker,
// `generation:pid:name/replica`, via an atomic rename. The file is the
// restarter's view of the rolling restart; service children never roll,
// so they are left out.
func (s *Supervisor) updateStatus() {
	fn := s.cfg.statusFile
	if fn == "" {
		return
	}
	tmpfn := fn + "." + strconv.Itoa(os.Getpid())
	f, err := os.OpenFile(tmpfn, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Warn("failed to write status file", "path", fn, "error", err.Error())
		return
	}
	for _, c := range s.liveChildren() {
		if c.spec.kind != kindWorker {
			continue
		}
		fmt.Fprintf(f, "%d:%d:%s\n", c.gen, c.pid, c.spec.label())
	}
	f.Close()
	if err := os.Rename(tmpfn, fn); err != nil {
		s.logger.Warn("failed to rename status file", "path", fn, "error", err.Error())
		return
	}
	s.statusFileCreated = true
}

// Info is the admin API summary of a running supervisor.
type Info struct {
	PID        int       `json:"pid"`
	Version    string    `json:"version"`
	Generation int       `json:"generation"`
	Crashes    int       `json:"crashes"`
	Ceiling    int       `json:"ceiling"`
	Children   int       `json:"children"`
	Started    time.Time `json:"started"`
}

// GetInfo returns a consistent summary snapshot.
func (s *Supervisor) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		PID:        os.Getpid(),
		Version:    version,
		Generation: s.gen,
		Crashes:    s.crashes,
		Ceiling:    s.cfg.ceiling,
		Children:   len(s.children),
		Started:    s.started,
	}
}

// Children returns a snapshot of the live child table, sorted by pid.
func (s *Supervisor) Children() []ChildInfo {
	live := s.liveChildren()
	out := make([]ChildInfo, 0, len(live))
	for _, c := range live {
		out = append(out, c.info())
	}
	return out
}

// Notices returns the buffered lifecycle log lines, oldest first.
func (s *Supervisor) Notices() []string {
	return s.cfg.notices.Records()
}
