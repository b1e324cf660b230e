//go:build unix

package fleet

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func nopHandler() http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
}

func nopTask(context.Context) error { return nil }

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := resolveConfig()
	if !assert.NoError(t, err) {
		return
	}
	if !assert.Equal(t, 100, cfg.ceiling) {
		return
	}
	if !assert.Equal(t, 10*time.Second, cfg.grace) {
		return
	}
	if !assert.Equal(t, time.Second, cfg.interval) {
		return
	}
	if !assert.Equal(t, 10*time.Second, cfg.readyTimeout) {
		return
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("duplicate interface name", func(t *testing.T) {
		_, err := resolveConfig(WithInterfaces([]*Interface{
			{Name: "web", Addr: ":0", Handler: nopHandler()},
			{Name: "web", Addr: ":0", Handler: nopHandler()},
		}))
		if !assert.True(t, errors.Is(err, ErrDuplicateName)) {
			return
		}
	})

	t.Run("addr and path are mutually exclusive", func(t *testing.T) {
		_, err := resolveConfig(WithInterfaces([]*Interface{
			{Name: "web", Addr: ":0", Path: "/tmp/web.sock", Handler: nopHandler()},
		}))
		if !assert.True(t, errors.Is(err, ErrBadListenSpec)) {
			return
		}

		_, err = resolveConfig(WithInterfaces([]*Interface{
			{Name: "web", Handler: nopHandler()},
		}))
		if !assert.True(t, errors.Is(err, ErrBadListenSpec)) {
			return
		}
	})

	t.Run("service requires a task", func(t *testing.T) {
		_, err := resolveConfig(WithServices([]*ServiceProcess{
			{Name: "cleanup"},
		}))
		if !assert.True(t, errors.Is(err, ErrNoTask)) {
			return
		}
	})

	t.Run("duplicate service name", func(t *testing.T) {
		_, err := resolveConfig(WithServices([]*ServiceProcess{
			{Name: "cleanup", Task: nopTask},
			{Name: "cleanup", Task: nopTask},
		}))
		if !assert.True(t, errors.Is(err, ErrDuplicateName)) {
			return
		}
	})

	t.Run("service bound to unknown interface", func(t *testing.T) {
		_, err := resolveConfig(WithServices([]*ServiceProcess{
			{Name: "cleanup", Interface: "nope", Task: nopTask},
		}))
		if !assert.Error(t, err) {
			return
		}
	})

	t.Run("handler attaches to a named interface", func(t *testing.T) {
		h := nopHandler()
		cfg, err := resolveConfig(
			WithInterfaces([]*Interface{{Name: "web", Addr: ":0"}}),
			WithHandler("web", h),
		)
		if !assert.NoError(t, err) {
			return
		}
		if !assert.NotNil(t, cfg.findInterface("web").Handler) {
			return
		}
	})

	t.Run("handler for unknown interface", func(t *testing.T) {
		_, err := resolveConfig(WithHandler("nope", nopHandler()))
		if !assert.Error(t, err) {
			return
		}
	})
}

func TestReplicas(t *testing.T) {
	if !assert.Equal(t, 4, replicas(&Interface{Processes: 4})) {
		return
	}
	if !assert.Equal(t, runtime.NumCPU(), replicas(&Interface{}), "zero should mean one per CPU") {
		return
	}
}

func TestServiceSelection(t *testing.T) {
	cfg, err := resolveConfig(
		WithInterfaces([]*Interface{
			{Name: "web", Addr: ":0", Handler: nopHandler()},
			{Name: "ctl", Addr: ":0", Handler: nopHandler()},
		}),
		WithServices([]*ServiceProcess{
			{Name: "everywhere", Mode: ModeThread, Task: nopTask},
			{Name: "web-only", Mode: ModeThread, Interface: "web", Task: nopTask},
			{Name: "standalone", Mode: ModeProcess, Task: nopTask},
		}),
	)
	if !assert.NoError(t, err) {
		return
	}

	names := func(svcs []*ServiceProcess) []string {
		var out []string
		for _, svc := range svcs {
			out = append(out, svc.Name)
		}
		return out
	}

	if !assert.Equal(t, []string{"everywhere", "web-only"}, names(cfg.threadServices("web"))) {
		return
	}
	if !assert.Equal(t, []string{"everywhere"}, names(cfg.threadServices("ctl"))) {
		return
	}
	if !assert.Equal(t, []string{"standalone"}, names(cfg.processServices())) {
		return
	}
}

func TestServiceReadyTimeout(t *testing.T) {
	cfg, err := resolveConfig(WithReadyTimeout(3 * time.Second))
	if !assert.NoError(t, err) {
		return
	}
	if !assert.Equal(t, 3*time.Second, cfg.serviceReadyTimeout(&ServiceProcess{})) {
		return
	}
	if !assert.Equal(t, time.Second, cfg.serviceReadyTimeout(&ServiceProcess{ReadyTimeout: time.Second})) {
		return
	}
}
