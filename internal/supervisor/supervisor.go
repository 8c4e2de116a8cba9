// Package supervisor implements the Supervisor: it starts every enabled
// reader and the health endpoint, restarts a reader that crashes on its own
// after a fixed backoff, and shuts everything down on an OS signal.
//
// Grounded on internal/cmd/signal.go's signalHandler (same signal set, same
// shutdown-all-services loop), generalized from a fixed []*relay.Server to
// any number of heterogeneous services behind the Service interface.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"reflect"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sys/unix"

	"github.com/ttimochan/dns-frontdoor/internal/xerrors"
)

// restartBackoff is the fixed delay the Supervisor waits before rebinding a
// reader that exited on its own (spec.md §4.8).
const restartBackoff = time.Second

// Service is what the Supervisor manages: every protocol reader
// (dot.Reader, doh.Reader, doq.Reader, doh3.Reader) and health.Endpoint
// satisfy it already.
type Service interface {
	// Start binds the service's listener and begins serving in the
	// background. It must return promptly once bound.
	Start(ctx context.Context) error

	// Stop shuts the service down. After Stop returns, Crashed must never
	// fire for the accept/serve loop it stopped.
	Stop() error

	// Addr returns the address the service is bound to, for logging.
	Addr() string

	// Crashed returns a channel that closes if the service's accept/serve
	// loop exits for a reason other than Stop.
	Crashed() <-chan struct{}
}

// named pairs a Service with the name it's logged and reported under.
type named struct {
	name string
	svc  Service
}

// Supervisor owns the lifecycle of every named Service: starting them all,
// watching for unplanned crashes, restarting those, and stopping everything
// on shutdown.
type Supervisor struct {
	services []named

	sigCh chan os.Signal
	stop  chan struct{}
}

// New builds a Supervisor with no services yet registered.
func New() *Supervisor {
	return &Supervisor{
		sigCh: make(chan os.Signal, 1),
		stop:  make(chan struct{}),
	}
}

// Register adds svc to the set of services the Supervisor manages, under
// name (used in logs and in sentry reports).
func (s *Supervisor) Register(name string, svc Service) {
	s.services = append(s.services, named{name: name, svc: svc})
}

// Run starts every registered service, then blocks watching for crashes and
// OS signals until a graceful shutdown completes. status is 0 on a clean
// shutdown, 1 if any service failed to bind.
func (s *Supervisor) Run(ctx context.Context) (status int) {
	defer log.OnPanic("supervisor.Run")

	for _, n := range s.services {
		if err := n.svc.Start(ctx); err != nil {
			s.reportFatal(n.name, err)
			log.Error("supervisor: %s failed to start: %v", n.name, err)

			s.shutdown()

			return 1
		}

		log.Info("supervisor: %s listening on %s", n.name, n.svc.Addr())
	}

	signal.Notify(s.sigCh, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)

	return s.watch(ctx)
}

// watch blocks on every service's Crashed channel and on OS signals,
// restarting crashed services and returning once a signal or an explicit
// Shutdown requests it.
func (s *Supervisor) watch(ctx context.Context) (status int) {
	for {
		n, reason := s.waitAny(ctx)

		switch reason {
		case reasonCrash:
			s.restart(ctx, n)
		case reasonSignal:
			log.Info("supervisor: received shutdown signal")

			return s.shutdown()
		case reasonStop, reasonCtx:
			return s.shutdown()
		}
	}
}

type waitReason int

const (
	reasonCrash waitReason = iota
	reasonSignal
	reasonStop
	reasonCtx
)

// waitAny blocks on s.sigCh, s.stop, ctx.Done and every registered service's
// Crashed channel via reflect.Select, since the channel set is dynamic
// (one per registered service) and fixed only at startup.
func (s *Supervisor) waitAny(ctx context.Context) (n named, reason waitReason) {
	const fixedCases = 3

	cases := make([]reflect.SelectCase, fixedCases+len(s.services))
	cases[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.sigCh)}
	cases[1] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.stop)}
	cases[2] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}

	for i, svc := range s.services {
		cases[fixedCases+i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(svc.svc.Crashed())}
	}

	chosen, _, _ := reflect.Select(cases)
	switch chosen {
	case 0:
		return named{}, reasonSignal
	case 1:
		return named{}, reasonStop
	case 2:
		return named{}, reasonCtx
	default:
		return s.services[chosen-fixedCases], reasonCrash
	}
}

// restart waits restartBackoff and calls n.svc.Start again, logging and
// reporting to sentry if the rebind itself fails.
func (s *Supervisor) restart(ctx context.Context, n named) {
	log.Error("supervisor: %s crashed, restarting in %s", n.name, restartBackoff)

	select {
	case <-time.After(restartBackoff):
	case <-s.stop:
		return
	}

	if err := n.svc.Start(ctx); err != nil {
		s.reportFatal(n.name, err)
		log.Error("supervisor: %s failed to restart: %v", n.name, err)
	} else {
		log.Info("supervisor: %s restarted, listening on %s", n.name, n.svc.Addr())
	}
}

// shutdown stops every registered service and returns the process exit
// status: 0 if all stopped cleanly, 1 if any reported an error.
func (s *Supervisor) shutdown() (status int) {
	for _, n := range s.services {
		if err := n.svc.Stop(); err != nil {
			log.Error("supervisor: stopping %s: %v", n.name, err)
			status = 1
		}
	}

	sentry.Flush(2 * time.Second)

	return status
}

// Shutdown requests a graceful shutdown from outside the signal path (used
// by tests to stop Run without sending a real OS signal).
func (s *Supervisor) Shutdown() {
	close(s.stop)
}

// reportFatal sends a fatal startup/restart failure to sentry when it's
// configured (sentry.Init is a no-op client absent a DSN, so CaptureException
// is always safe to call).
func (s *Supervisor) reportFatal(service string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("service", service)

		if _, ok := err.(*xerrors.LockPoisonError); ok {
			scope.SetLevel(sentry.LevelFatal)
		}

		sentry.CaptureException(err)
	})
}
