//go:build unix

package fleet

import (
	"errors"
)

var (
	// ErrCrashCeiling is returned by the supervisor when the global
	// count of unexpected child exits reaches the configured ceiling.
	ErrCrashCeiling = errors.New("crash ceiling reached")

	ErrNoInterfaces   = errors.New("no interfaces configured")
	ErrNoHandler      = errors.New("interface has no handler")
	ErrBadListenSpec  = errors.New("interface must listen on exactly one of a TCP address or a unix socket")
	ErrDuplicateName  = errors.New("duplicate name")
	ErrNoTask         = errors.New("service process has no task")
	ErrBadBinding     = errors.New("unresolvable signal binding")
	ErrNotReady       = errors.New("service failed to become ready")
	ErrReadyTimeout   = errors.New("timed out waiting for readiness")
	ErrUnknownService = errors.New("unknown service")
)
