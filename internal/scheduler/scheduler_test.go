package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-item-ingest/internal/ingest"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	busy   atomic.Bool
	err    error
	onCall func(n int)
}

func (r *fakeRunner) RunFullIngestion(context.Context) (procurement.RunSummary, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	hook := r.onCall
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return procurement.RunSummary{RunID: "run", Status: procurement.RunSucceeded}, r.err
}

func (r *fakeRunner) Running() bool { return r.busy.Load() }

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRunOnStartFiresImmediately(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	runner := &fakeRunner{onCall: func(int) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}}
	s, err := New(runner, Config{Interval: time.Hour, RunOnStart: true}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not fire")
	}
	cancel()
	<-done
	require.Equal(t, 1, runner.count())
}

func TestTicksFireRuns(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	s, err := New(runner, Config{Interval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("scheduler did not stop")
	}
	require.Equal(t, 3, runner.count())
}

func TestFireSkipsWhileRunning(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	runner.busy.Store(true)
	s, err := New(runner, Config{Interval: time.Minute}, nil)
	require.NoError(t, err)

	s.fire(context.Background())
	require.Zero(t, runner.count())

	runner.busy.Store(false)
	runner.err = ingest.ErrRunInProgress
	s.fire(context.Background())
	require.Equal(t, 1, runner.count())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Interval: time.Minute}, nil)
	require.Error(t, err)
	_, err = New(&fakeRunner{}, Config{}, nil)
	require.Error(t, err)
}
