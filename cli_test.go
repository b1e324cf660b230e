//go:build unix

package fleet

import (
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseInterfaceSpec(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		iface, err := parseInterfaceSpec("web=0.0.0.0:8080")
		if !assert.NoError(t, err) {
			return
		}
		if !assert.Equal(t, &Interface{Name: "web", Addr: "0.0.0.0:8080"}, iface) {
			return
		}
	})

	t.Run("tcp with procs", func(t *testing.T) {
		iface, err := parseInterfaceSpec("web=:8080,procs=4")
		if !assert.NoError(t, err) {
			return
		}
		if !assert.Equal(t, &Interface{Name: "web", Addr: ":8080", Processes: 4}, iface) {
			return
		}
	})

	t.Run("unix socket", func(t *testing.T) {
		iface, err := parseInterfaceSpec("ctl=/tmp/app.sock")
		if !assert.NoError(t, err) {
			return
		}
		if !assert.Equal(t, &Interface{Name: "ctl", Path: "/tmp/app.sock"}, iface) {
			return
		}
	})

	for _, spec := range []string{"", "web", "web=", "=:8080", "web=:8080,procs=x", "web=:8080,nope=1"} {
		t.Run(fmt.Sprintf("bad spec %q", spec), func(t *testing.T) {
			_, err := parseInterfaceSpec(spec)
			if !assert.Error(t, err) {
				return
			}
		})
	}
}

func findInOptionList(t *testing.T, opts *cliOptions, name string, val interface{}) bool {
	list, err := makeOptionList(opts)
	if !assert.NoError(t, err, "makeOptionList should succeed") {
		return false
	}
	for _, o := range list {
		if o.Name() == name {
			return assert.Equal(t, val, o.Value(), "option value matches")
		}
	}
	t.Errorf("failed to find option %s", name)
	return false
}

func TestCLIArgs(t *testing.T) {
	c := NewCLI()

	t.Run("no parameters", func(t *testing.T) {
		opts, err := c.ParseArgs()
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		list, err := makeOptionList(opts)
		if !assert.NoError(t, err) {
			return
		}
		if !assert.Empty(t, list) {
			return
		}
	})

	t.Run("--interval=0", func(t *testing.T) {
		opts, err := c.ParseArgs("--interval=0")
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "interval", time.Duration(0)) {
			return
		}
	})

	t.Run("--interface", func(t *testing.T) {
		opts, err := c.ParseArgs("--interface=web=:8080,procs=2", "--interface=ctl=/tmp/ctl.sock")
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "interfaces", []*Interface{
			{Name: "web", Addr: ":8080", Processes: 2},
			{Name: "ctl", Path: "/tmp/ctl.sock"},
		}) {
			return
		}
	})

	t.Run("--crash-ceiling=5", func(t *testing.T) {
		opts, err := c.ParseArgs("--crash-ceiling=5")
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "crash_ceiling", 5) {
			return
		}
	})

	t.Run("--grace-period=3", func(t *testing.T) {
		opts, err := c.ParseArgs("--grace-period=3")
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "grace_period", 3*time.Second) {
			return
		}
	})

	t.Run("--signal-on-hup=QUIT", func(t *testing.T) {
		opts, err := c.ParseArgs("--signal-on-hup=QUIT")
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "signal_on_hup", syscall.SIGQUIT) {
			return
		}
	})

	t.Run("--signal-on-term=USR1", func(t *testing.T) {
		opts, err := c.ParseArgs("--signal-on-term=USR1")
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "signal_on_term", syscall.SIGUSR1) {
			return
		}
	})

	t.Run("bad signal name", func(t *testing.T) {
		opts, err := c.ParseArgs("--signal-on-hup=NOSUCHSIG")
		if !assert.NoError(t, err, "parsing itself should succeed") {
			return
		}
		_, err = makeOptionList(opts)
		if !assert.Error(t, err, "unknown signal name should be rejected") {
			return
		}
	})

	t.Run("files and addresses", func(t *testing.T) {
		opts, err := c.ParseArgs(
			"--pid-file=/tmp/app.pid",
			"--status-file=/tmp/app.status",
			"--envdir=/tmp/env",
			"--admin-addr=127.0.0.1:9999",
		)
		if !assert.NoError(t, err, "cli.ParseArgs should succeed") {
			return
		}
		if !findInOptionList(t, opts, "pid_file", "/tmp/app.pid") {
			return
		}
		if !findInOptionList(t, opts, "status_file", "/tmp/app.status") {
			return
		}
		if !findInOptionList(t, opts, "envdir", "/tmp/env") {
			return
		}
		if !findInOptionList(t, opts, "admin_addr", "127.0.0.1:9999") {
			return
		}
	})
}
