//go:build unix

package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrentRole(t *testing.T) {
	t.Run("unset means supervisor", func(t *testing.T) {
		t.Setenv(EnvRole, "")
		if !assert.Equal(t, RoleSupervisor, CurrentRole()) {
			return
		}
	})

	t.Run("worker", func(t *testing.T) {
		t.Setenv(EnvRole, "worker")
		if !assert.Equal(t, RoleWorker, CurrentRole()) {
			return
		}
	})

	t.Run("service", func(t *testing.T) {
		t.Setenv(EnvRole, "service")
		if !assert.Equal(t, RoleService, CurrentRole()) {
			return
		}
	})

	t.Run("garbage means supervisor", func(t *testing.T) {
		t.Setenv(EnvRole, "blimp")
		if !assert.Equal(t, RoleSupervisor, CurrentRole()) {
			return
		}
	})
}

func TestGeneration(t *testing.T) {
	t.Setenv(EnvGeneration, "3")
	if !assert.Equal(t, 3, currentGeneration()) {
		return
	}
	t.Setenv(EnvGeneration, "")
	if !assert.Equal(t, 0, currentGeneration()) {
		return
	}
}

func TestStringers(t *testing.T) {
	if !assert.Equal(t, "supervisor", RoleSupervisor.String()) {
		return
	}
	if !assert.Equal(t, "worker", RoleWorker.String()) {
		return
	}
	if !assert.Equal(t, "service", RoleService.String()) {
		return
	}
	if !assert.Equal(t, "thread", ModeThread.String()) {
		return
	}
	if !assert.Equal(t, "process", ModeProcess.String()) {
		return
	}
}
