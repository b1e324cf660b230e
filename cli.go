//go:build unix

package fleet

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// CLI wires command line flags into the option list, for applications
// that want their fleet topology configurable at invocation time. The
// application still supplies the handlers and services in code, via
// the extra options to Run.
type CLI struct{}

func NewCLI() *CLI {
	return &CLI{}
}

type cliOptions struct {
	Interfaces   []string `long:"interface" arg:"name=(addr|path)[,procs=N]" description:"interface to listen on, e.g. \"web=0.0.0.0:8080,procs=4\" or\n\"ctl=/tmp/app.sock\". May be given multiple times; each interface must\nhave a handler attached in code via WithHandler. procs=0 (the default)\nmeans one worker per logical CPU."`
	CrashCeiling int      `long:"crash-ceiling" arg:"count" description:"total number of unexpected child exits tolerated before the whole fleet\nshuts down (default: 100)"`
	GracePeriod  int      `long:"grace-period" arg:"seconds" description:"time (in seconds) children are given to exit after the termination\nsignal before they are force-killed (default: 10)"`
	Interval     int      `long:"interval" arg:"seconds" description:"minimum interval (in seconds) to respawn a child process (default: 1)"`
	ReadyTimeout int      `long:"ready-timeout" arg:"seconds" description:"default bound (in seconds) on waiting for a wait-for-ready service to\nreport readiness (default: 10)"`
	SignalOnHUP  string   `long:"signal-on-hup" arg:"Signal" description:"name of the signal to be sent to the old worker generation during a\nrolling restart (default: TERM)"`
	SignalOnTERM string   `long:"signal-on-term" arg:"Signal" description:"name of the signal to be sent to the children when the supervisor\nreceives a SIGTERM (default: TERM)"`
	PidFile      string   `long:"pid-file" arg:"filename" description:"if set, writes the process id of the supervisor process to the file"`
	StatusFile   string   `long:"status-file" arg:"filename" description:"if set, writes the generation and pid of the worker process(es) to the\nfile. Required for --restart."`
	Envdir       string   `long:"envdir" arg:"path" description:"directory that contains environment variables for the child processes,\none file per variable. It is intended for use with \"envdir\" in\n\"daemontools\". Re-read before every (re)launch."`
	AdminAddr    string   `long:"admin-addr" arg:"host:port" description:"if set, serves the read-only admin HTTP API on this address in the\nsupervisor process"`
	Restart      bool     `long:"restart" description:"this is a wrapper command that reads the pid of the supervisor process\nfrom --pid-file, sends SIGHUP to the process and waits until the\nworker(s) of the older generation(s) die by monitoring the contents of\nthe --status-file"`
	Help         bool     `long:"help" description:"prints this help"`
	Version      bool     `long:"version" description:"prints the version number"`
}

// parseInterfaceSpec turns "name=addr[,procs=N]" into an Interface.
// Specs with a path separator in the address bind a unix socket.
func parseInterfaceSpec(spec string) (*Interface, error) {
	i := strings.IndexByte(spec, '=')
	if i <= 0 || i >= len(spec)-1 {
		return nil, errors.Wrapf(ErrBadListenSpec, "%s", spec)
	}
	iface := &Interface{Name: spec[:i]}

	rest := spec[i+1:]
	for j, part := range strings.Split(rest, ",") {
		if j == 0 {
			if strings.ContainsRune(part, '/') {
				iface.Path = part
			} else {
				iface.Addr = part
			}
			continue
		}
		if v, ok := strings.CutPrefix(part, "procs="); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, errors.Wrapf(ErrBadListenSpec, "bad procs in %s", spec)
			}
			iface.Processes = n
			continue
		}
		return nil, errors.Wrapf(ErrBadListenSpec, "unknown attribute in %s", spec)
	}
	return iface, nil
}

func makeOptionList(opts *cliOptions) ([]Option, error) {
	var list []Option
	if len(opts.Interfaces) > 0 {
		ifaces := make([]*Interface, 0, len(opts.Interfaces))
		for _, spec := range opts.Interfaces {
			iface, err := parseInterfaceSpec(spec)
			if err != nil {
				return nil, err
			}
			ifaces = append(ifaces, iface)
		}
		list = append(list, WithInterfaces(ifaces))
	}
	if opts.CrashCeiling > 0 {
		list = append(list, WithCrashCeiling(opts.CrashCeiling))
	}
	if opts.GracePeriod > 0 {
		list = append(list, WithGracePeriod(time.Duration(opts.GracePeriod)*time.Second))
	}
	if opts.Interval > -1 {
		list = append(list, WithInterval(time.Duration(opts.Interval)*time.Second))
	}
	if opts.ReadyTimeout > 0 {
		list = append(list, WithReadyTimeout(time.Duration(opts.ReadyTimeout)*time.Second))
	}
	if opts.SignalOnHUP != "" {
		sig := sigFromName(opts.SignalOnHUP)
		if sig == nil {
			return nil, errors.Errorf("unknown signal name %s", opts.SignalOnHUP)
		}
		list = append(list, WithSignalOnHUP(sig))
	}
	if opts.SignalOnTERM != "" {
		sig := sigFromName(opts.SignalOnTERM)
		if sig == nil {
			return nil, errors.Errorf("unknown signal name %s", opts.SignalOnTERM)
		}
		list = append(list, WithSignalOnTERM(sig))
	}
	if opts.PidFile != "" {
		list = append(list, WithPidFile(opts.PidFile))
	}
	if opts.StatusFile != "" {
		list = append(list, WithStatusFile(opts.StatusFile))
	}
	if opts.Envdir != "" {
		list = append(list, WithEnvdir(opts.Envdir))
	}
	if opts.AdminAddr != "" {
		list = append(list, WithAdminAddr(opts.AdminAddr))
	}
	return list, nil
}

func (cli *CLI) ParseArgs(args ...string) (*cliOptions, error) {
	var opts cliOptions
	opts.Interval = -1 // allow 0

	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash)
	if _, err := p.ParseArgs(args); err != nil {
		return nil, errors.Wrap(err, "failed to parse arguments")
	}

	return &opts, nil
}

// Run parses os.Args and runs the fleet in the current process's role.
// The extra options come from the application and typically carry
// WithHandler and WithServices; flag-derived options win on conflict.
func (cli *CLI) Run(ctx context.Context, extra ...Option) error {
	opts, err := cli.ParseArgs(os.Args[1:]...)
	if err != nil {
		return err
	}

	if opts.Help {
		showHelp()
		return nil
	}

	if opts.Version {
		fmt.Printf("%s\n", version)
		return nil
	}

	if opts.Restart {
		if opts.PidFile == "" || opts.StatusFile == "" {
			return errors.New("--restart option requires --pid-file and --status-file to be set as well")
		}

		s := NewRestarter(opts.PidFile, opts.StatusFile)
		return s.Run(ctx)
	}

	list, err := makeOptionList(opts)
	if err != nil {
		return err
	}

	return Run(ctx, append(extra, list...)...)
}

func showHelp() {
	// The ONLY reason we're not using go-flags' help option is
	// because we wanted to tweak the format just a bit... but
	// there wasn't an easy way to do so
	os.Stderr.WriteString(`
Usage:
      app [options]

      # serve the "web" interface with 4 workers on port 8080
      app --interface=web=0.0.0.0:8080,procs=4

Options:
`)

	t := reflect.TypeOf(cliOptions{})

	names := []string{
		"Interfaces",
		"CrashCeiling",
		"GracePeriod",
		"Interval",
		"ReadyTimeout",
		"SignalOnHUP",
		"SignalOnTERM",
		"PidFile",
		"StatusFile",
		"Envdir",
		"AdminAddr",
		"Restart",
		"Help",
		"Version",
	}

	for _, name := range names {
		f, ok := t.FieldByName(name)
		if !ok {
			continue
		}

		tag := f.Tag
		if tag == "" {
			continue
		}
		if s := tag.Get("long"); s != "" {
			fmt.Fprintf(os.Stderr, "  --%s", s)
			if a := tag.Get("arg"); a != "" {
				fmt.Fprintf(os.Stderr, "=%s", a)
			}
			fmt.Fprintf(os.Stderr, ":\n")
		}
		for _, l := range strings.Split(tag.Get("description"), "\n") {
			fmt.Fprintf(os.Stderr, "    %s\n", l)
		}
		fmt.Fprintf(os.Stderr, "\n")
	}
}
