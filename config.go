//go:build unix

package fleet

import (
	"io"
	"log/slog"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultCrashCeiling = 100
	defaultGracePeriod  = 10 * time.Second
	defaultInterval     = time.Second
	defaultReadyTimeout = 10 * time.Second
)

// config is the resolved view of the option list. The same options
// are handed to Run in every role, so workers and service children
// resolve the identical topology the supervisor launched them from.
type config struct {
	interfaces   []*Interface
	services     []*ServiceProcess
	router       *router
	ceiling      int
	grace        time.Duration
	interval     time.Duration
	readyTimeout time.Duration
	pidFile      string
	statusFile   string
	envdir       string
	adminAddr    string
	sigOnTERM    os.Signal
	sigOnHUP     os.Signal
	notices      *noticeLog
	logger       *slog.Logger
}

func resolveConfig(options ...Option) (*config, error) {
	cfg := &config{
		ceiling:      defaultCrashCeiling,
		grace:        defaultGracePeriod,
		interval:     defaultInterval,
		readyTimeout: defaultReadyTimeout,
		sigOnTERM:    os.Signal(syscall.SIGTERM),
		sigOnHUP:     os.Signal(syscall.SIGTERM),
		notices:      newNoticeLog(),
	}

	var noticeWriter io.Writer = os.Stderr
	var logger *slog.Logger
	var bindings []Binding
	var handlers []*namedHandler

	for _, opt := range options {
		switch opt.Name() {
		case "interfaces":
			cfg.interfaces = opt.Value().([]*Interface)
		case "services":
			cfg.services = opt.Value().([]*ServiceProcess)
		case "handler":
			handlers = append(handlers, opt.Value().(*namedHandler))
		case "crash_ceiling":
			cfg.ceiling = opt.Value().(int)
		case "grace_period":
			cfg.grace = opt.Value().(time.Duration)
		case "interval":
			cfg.interval = opt.Value().(time.Duration)
		case "ready_timeout":
			cfg.readyTimeout = opt.Value().(time.Duration)
		case "pid_file":
			cfg.pidFile = opt.Value().(string)
		case "status_file":
			cfg.statusFile = opt.Value().(string)
		case "envdir":
			cfg.envdir = opt.Value().(string)
		case "admin_addr":
			cfg.adminAddr = opt.Value().(string)
		case "signal_on_term":
			cfg.sigOnTERM = opt.Value().(os.Signal)
		case "signal_on_hup":
			cfg.sigOnHUP = opt.Value().(os.Signal)
		case "binding":
			bindings = append(bindings, opt.Value().(Binding))
		case "notice_output":
			noticeWriter = opt.Value().(io.Writer)
		case "logger":
			logger = opt.Value().(*slog.Logger)
		}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(
			io.MultiWriter(noticeWriter, cfg.notices), nil))
	}
	cfg.logger = logger

	r, err := newRouter(bindings)
	if err != nil {
		return nil, err
	}
	cfg.router = r

	if err := cfg.validate(handlers); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *config) validate(handlers []*namedHandler) error {
	for _, nh := range handlers {
		iface := cfg.findInterface(nh.name)
		if iface == nil {
			return errors.Errorf("handler attached to unknown interface %s", nh.name)
		}
		iface.Handler = nh.handler
	}

	seen := map[string]bool{}
	for _, iface := range cfg.interfaces {
		if iface.Name == "" {
			return errors.Wrap(ErrBadListenSpec, "interface has no name")
		}
		if seen[iface.Name] {
			return errors.Wrapf(ErrDuplicateName, "interface %s", iface.Name)
		}
		seen[iface.Name] = true
		if (iface.Addr == "") == (iface.Path == "") {
			return errors.Wrapf(ErrBadListenSpec, "interface %s", iface.Name)
		}
	}

	seen = map[string]bool{}
	for _, svc := range cfg.services {
		if svc.Name == "" {
			return errors.Wrap(ErrNoTask, "service has no name")
		}
		if seen[svc.Name] {
			return errors.Wrapf(ErrDuplicateName, "service %s", svc.Name)
		}
		seen[svc.Name] = true
		if svc.Task == nil {
			return errors.Wrapf(ErrNoTask, "service %s", svc.Name)
		}
		if svc.Interface != "" && cfg.findInterface(svc.Interface) == nil {
			return errors.Errorf("service %s bound to unknown interface %s", svc.Name, svc.Interface)
		}
	}
	return nil
}

func (cfg *config) findInterface(name string) *Interface {
	for _, iface := range cfg.interfaces {
		if iface.Name == name {
			return iface
		}
	}
	return nil
}

func (cfg *config) findService(name string) *ServiceProcess {
	for _, svc := range cfg.services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// threadServices returns the thread-mode services hosted by workers of
// the named interface.
func (cfg *config) threadServices(iface string) []*ServiceProcess {
	var out []*ServiceProcess
	for _, svc := range cfg.services {
		if svc.Mode != ModeThread {
			continue
		}
		if svc.Interface == "" || svc.Interface == iface {
			out = append(out, svc)
		}
	}
	return out
}

func (cfg *config) processServices() []*ServiceProcess {
	var out []*ServiceProcess
	for _, svc := range cfg.services {
		if svc.Mode == ModeProcess {
			out = append(out, svc)
		}
	}
	return out
}

func (cfg *config) serviceReadyTimeout(svc *ServiceProcess) time.Duration {
	if svc.ReadyTimeout > 0 {
		return svc.ReadyTimeout
	}
	return cfg.readyTimeout
}

// replicas resolves an interface's worker count, with zero meaning the
// detected CPU count.
func replicas(iface *Interface) int {
	if iface.Processes > 0 {
		return iface.Processes
	}
	return runtime.NumCPU()
}

func envInterfaceName() string {
	return os.Getenv(EnvInterface)
}

func envServiceName() string {
	return os.Getenv(EnvService)
}

func pid() int {
	return os.Getpid()
}
