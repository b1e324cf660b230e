//go:build unix

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

// Runner drives one ServiceProcess: Init once, then Task forever on a
// soft schedule. The interval is measured from the end of one
// invocation to the start of the next, so invocations never overlap
// and the schedule drifts rather than piles up. Task errors and
// panics are logged and the schedule continues; only Init failures
// stop the runner.
type Runner struct {
	svc    *ServiceProcess
	gate   *Gate
	logger *slog.Logger
}

func newRunner(svc *ServiceProcess, logger *slog.Logger) *Runner {
	return &Runner{
		svc:    svc,
		gate:   NewGate(),
		logger: logger.With("service", svc.Name),
	}
}

// Gate exposes the runner's readiness gate. It becomes ready as soon
// as Init returns, not when the first periodic invocation fires.
func (r *Runner) Gate() *Gate {
	return r.gate
}

// Run blocks until ctx is canceled, or until Init fails.
func (r *Runner) Run(ctx context.Context) {
	if err := r.invoke(ctx, r.svc.Init); err != nil {
		r.logger.Error("service initialization failed", "error", err.Error())
		r.gate.Fail(errors.Wrapf(err, "failed to initialize service %s", r.svc.Name))
		return
	}
	r.logger.Info("service initialized")
	r.gate.Ready()

	interval := r.svc.Interval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if err := r.invoke(ctx, r.svc.Task); err != nil {
			// Deliberately non-fatal: the schedule outlives any
			// single invocation.
			r.logger.Warn("service invocation failed", "error", err.Error())
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// invoke runs f with panics converted to errors, so a misbehaving
// task body cannot take the schedule (or the host worker) down.
func (r *Runner) invoke(ctx context.Context, f func(context.Context) error) (err error) {
	if f == nil {
		return nil
	}
	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("panic: %s", fmt.Sprint(e))
		}
	}()
	return f(ctx)
}

// runServiceProcess is the entry point for a process-mode service
// child. The runner's gate is bridged back to the supervisor over the
// inherited readiness pipe.
func runServiceProcess(ctx context.Context, options ...Option) error {
	cfg, err := resolveConfig(options...)
	if err != nil {
		return err
	}

	name := envServiceName()
	svc := cfg.findService(name)
	if svc == nil {
		return errors.Wrapf(ErrUnknownService, "service %s not configured in this binary", name)
	}

	logger := cfg.logger.With("role", "service", "pid", pid(), "generation", currentGeneration())
	r := newRunner(svc, logger)
	go r.gate.report(readyPipeFile())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go childSignals(ctx, cancel, cfg, logger)
	go watchParent(ctx, cancel, logger)

	r.Run(ctx)

	if st, gerr := r.gate.State(); st == GateFailed {
		return gerr
	}
	return nil
}
