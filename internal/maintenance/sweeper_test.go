package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeStore struct {
	mu      sync.Mutex
	deleted int64
	err     error
	calls   int
}

func (s *fakeStore) Sweep(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.deleted, s.err
}

func (s *fakeStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeRecorder struct {
	swept    map[string]int64
	failures map[string]int
}

func (r *fakeRecorder) RecordSweep(store string, deleted int64) {
	if r.swept == nil {
		r.swept = map[string]int64{}
	}
	r.swept[store] += deleted
}

func (r *fakeRecorder) RecordSweepFailure(store string) {
	if r.failures == nil {
		r.failures = map[string]int{}
	}
	r.failures[store]++
}

func TestSweepOnceRunsEveryTarget(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	associations := &fakeStore{deleted: 3}
	nonces := &fakeStore{deleted: 5}
	recorder := &fakeRecorder{}
	sweeper, err := NewSweeper(SweeperConfig{
		Targets:  []Target{{Name: "associations", Store: associations}, {Name: "nonces", Store: nonces}},
		Recorder: recorder,
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	results, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if len(results) != 2 || results[0].Deleted != 3 || results[1].Deleted != 5 {
		t.Fatalf("unexpected results %#v", results)
	}
	if recorder.swept["associations"] != 3 || recorder.swept["nonces"] != 5 {
		t.Fatalf("unexpected recorded sweeps %#v", recorder.swept)
	}
	entries := logs.FilterMessage("sweep completed").All()
	if len(entries) != 2 {
		t.Fatalf("expected two completion logs, got %d", len(entries))
	}
	if entries[1].ContextMap()["deleted_count"] != int64(5) {
		t.Fatalf("expected deleted_count field, got %#v", entries[1].ContextMap())
	}
}

func TestSweepOnceContinuesAfterFailure(t *testing.T) {
	failure := errors.New("table locked")
	failing := &fakeStore{err: failure}
	healthy := &fakeStore{deleted: 2}
	recorder := &fakeRecorder{}
	sweeper, err := NewSweeper(SweeperConfig{
		Targets:  []Target{{Name: "associations", Store: failing}, {Name: "nonces", Store: healthy}},
		Recorder: recorder,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	results, err := sweeper.SweepOnce(context.Background())
	if !errors.Is(err, failure) {
		t.Fatalf("expected first failure to be returned, got %v", err)
	}
	if healthy.Calls() != 1 || results[1].Deleted != 2 {
		t.Fatalf("expected healthy target to be swept after a failure")
	}
	if recorder.failures["associations"] != 1 {
		t.Fatalf("expected recorded failure, got %#v", recorder.failures)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	store := &fakeStore{}
	sweeper, err := NewSweeper(SweeperConfig{
		Targets:  []Target{{Name: "nonces", Store: store}},
		Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Calls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated sweeps, got %d", store.Calls())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancellation")
	}
}

func TestNewSweeperRequiresTargets(t *testing.T) {
	if _, err := NewSweeper(SweeperConfig{Targets: []Target{{Name: "empty"}}}); !errors.Is(err, errNoTargets) {
		t.Fatalf("expected errNoTargets, got %v", err)
	}
}
