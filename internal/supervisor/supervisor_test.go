package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ttimochan/dns-frontdoor/internal/supervisor"
)

// fakeService is a minimal supervisor.Service double: it can be told to
// crash once (closing its Crashed channel) and counts how many times Start
// was called.
type fakeService struct {
	startErr  error
	starts    atomic.Int32
	crashed   chan struct{}
	stopCalls atomic.Int32
}

func newFakeService() *fakeService {
	return &fakeService{crashed: make(chan struct{})}
}

func (f *fakeService) Start(context.Context) error {
	f.starts.Add(1)

	return f.startErr
}

func (f *fakeService) Stop() error {
	f.stopCalls.Add(1)

	return nil
}

func (f *fakeService) Addr() string { return "fake:0" }

func (f *fakeService) Crashed() <-chan struct{} { return f.crashed }

// crash simulates an unplanned exit: the channel only fires once, matching
// how a real reader's Crashed channel behaves after one Start/Stop cycle.
func (f *fakeService) crash() {
	close(f.crashed)
	f.crashed = make(chan struct{})
}

func TestRun_restartsCrashedService(t *testing.T) {
	svc := newFakeService()

	sup := supervisor.New()
	sup.Register("fake", svc)

	done := make(chan int, 1)
	go func() { done <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return svc.starts.Load() == 1 }, time.Second, time.Millisecond)

	svc.crash()

	require.Eventually(t, func() bool { return svc.starts.Load() == 2 }, 2*time.Second, time.Millisecond)

	sup.Shutdown()

	status := <-done
	require.Equal(t, 0, status)
	require.EqualValues(t, 1, svc.stopCalls.Load())
}

func TestRun_bindFailureIsFatal(t *testing.T) {
	svc := newFakeService()
	svc.startErr = errors.New("address already in use")

	sup := supervisor.New()
	sup.Register("fake", svc)

	status := sup.Run(context.Background())
	require.Equal(t, 1, status)
	require.EqualValues(t, 1, svc.starts.Load())
}
