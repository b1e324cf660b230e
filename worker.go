//go:build unix

package fleet

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/lestrrat-go/fleet/listener"
)

// runWorker is the entry point for a worker child. It serves the
// interface's handler on the inherited socket and hosts the
// thread-mode service runners in the same process. The worker never
// binds a socket of its own.
func runWorker(octx context.Context, options ...Option) error {
	cfg, err := resolveConfig(options...)
	if err != nil {
		return err
	}

	name := envInterfaceName()
	iface := cfg.findInterface(name)
	if iface == nil {
		return errors.Errorf("interface %s not configured in this binary", name)
	}
	if iface.Handler == nil {
		return errors.Wrapf(ErrNoHandler, "interface %s", name)
	}

	logger := cfg.logger.With("role", "worker", "interface", name,
		"pid", pid(), "generation", currentGeneration())

	listeners, err := listener.ListenAll()
	if err != nil {
		return errors.Wrap(err, "failed to reconstruct inherited listeners")
	}
	l := listeners[0]
	defer l.Close()

	ctx, cancel := context.WithCancel(octx)
	defer cancel()
	go childSignals(ctx, cancel, cfg, logger)
	go watchParent(ctx, cancel, logger)

	// Embedded service runners share the worker's lifetime. A runner
	// whose gate fails takes the worker down only when the service
	// demanded a readiness check.
	var wg sync.WaitGroup
	runners := make([]*Runner, 0)
	for _, svc := range cfg.threadServices(name) {
		r := newRunner(svc, logger)
		runners = append(runners, r)
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	for _, r := range runners {
		if !r.svc.WaitReady {
			continue
		}
		if st := r.gate.Wait(cfg.serviceReadyTimeout(r.svc)); st != GateReady {
			cancel()
			wg.Wait()
			return errors.Wrapf(ErrNotReady, "service %s (%s)", r.svc.Name, st.String())
		}
	}

	srv := &http.Server{Handler: iface.Handler}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(l)
	}()
	logger.Info("worker serving", "addr", l.Addr().String())

	select {
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return errors.Wrap(err, "server terminated")
	case <-ctx.Done():
	}

	// Drain in-flight requests within the grace period; the supervisor
	// escalates to SIGKILL if we overstay.
	sctx, scancel := context.WithTimeout(context.Background(), cfg.grace)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("shutdown did not complete cleanly", "error", err.Error())
	}
	wg.Wait()
	logger.Info("worker exiting")
	return nil
}

// childSignals is the child-side signal loop. Termination signals
// cancel the process context; user signals run the local hook only.
// Nothing is forwarded from a child.
func childSignals(ctx context.Context, cancel context.CancelFunc, cfg *config, logger *slog.Logger) {
	ch := make(chan os.Signal, 32)
	watch := append([]os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}, cfg.router.signals()...)
	signal.Notify(ch, watch...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case os.Signal(syscall.SIGTERM), os.Signal(syscall.SIGINT), os.Signal(syscall.SIGHUP):
				logger.Info("received termination", "signal", signame(sig))
				cancel()
				return
			default:
				cfg.router.dispatch(ctx, sig, logger, nil)
			}
		}
	}
}

// watchParent polls the parent pid and cancels when the supervisor is
// gone, so orphaned children exit instead of serving forever under
// init.
func watchParent(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	ppid := os.Getppid()
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if now := os.Getppid(); now != ppid {
				logger.Warn("supervisor is gone, exiting", "was", ppid, "now", now)
				cancel()
				return
			}
		}
	}
}
