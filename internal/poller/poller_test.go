package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu      sync.Mutex
	applied []int
	seqs    []uint64
	errs    []error
	ch      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) apply(seq uint64, v int) error {
	r.mu.Lock()
	r.applied = append(r.applied, v)
	r.seqs = append(r.seqs, seq)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) snapshot() ([]int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.applied...), append([]error(nil), r.errs...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for poll cycle")
	}
}

func TestScheduler_RunsImmediatelyOnStart(t *testing.T) {
	rec := newRecorder()
	s := New(zerolog.Nop(), func(context.Context) (int, error) { return 7, nil }, rec.apply, Options{Interval: time.Hour, OnError: rec.onError}, nil)

	s.Start(context.Background())
	defer s.Stop()
	rec.wait(t)

	applied, _ := rec.snapshot()
	if len(applied) != 1 || applied[0] != 7 {
		t.Fatalf("expected one immediate apply of 7, got %v", applied)
	}
	if !s.Running() {
		t.Fatalf("expected scheduler to be running")
	}
}

func TestScheduler_SkipsTicksWhileInFlight(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (int, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return 1, nil
	}
	s := New(zerolog.Nop(), fetch, rec.apply, Options{Interval: 5 * time.Millisecond}, nil)

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(60 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected ticks to be skipped while a fetch is in flight, got %d fetches", got)
	}
	close(release)
	rec.wait(t)
}

func TestScheduler_StopAbandonsInFlightFetch(t *testing.T) {
	rec := newRecorder()
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		close(started)
		<-release
		return 99, nil
	}
	s := New(zerolog.Nop(), fetch, rec.apply, Options{Interval: time.Hour}, nil)

	s.Start(context.Background())
	<-started
	s.Stop()
	close(release)
	time.Sleep(50 * time.Millisecond)

	if applied, _ := rec.snapshot(); len(applied) != 0 {
		t.Fatalf("expected no apply after stop, got %v", applied)
	}
	if s.Running() {
		t.Fatalf("expected scheduler to be stopped")
	}
}

func TestScheduler_FailureNotifiesAndKeepsTicking(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	boom := errors.New("registry unavailable")
	fetch := func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 2, nil
	}
	s := New(zerolog.Nop(), fetch, rec.apply, Options{Interval: 10 * time.Millisecond, OnError: rec.onError}, nil)

	s.Start(context.Background())
	defer s.Stop()
	rec.wait(t)
	rec.wait(t)

	applied, errs := rec.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Fatalf("expected one reported failure, got %v", errs)
	}
	if len(applied) == 0 || applied[0] != 2 {
		t.Fatalf("expected the next tick to apply 2, got %v", applied)
	}
}

func TestScheduler_DiscardsOlderResults(t *testing.T) {
	rec := newRecorder()
	seqs := []uint64{5, 3, 8}
	var i atomic.Int32
	sequence := func() uint64 { return seqs[int(i.Add(1)-1)%len(seqs)] }
	var value atomic.Int32
	fetch := func(context.Context) (int, error) { return int(value.Add(1)), nil }

	s := New(zerolog.Nop(), fetch, rec.apply, Options{Interval: time.Hour, Sequence: sequence}, nil)
	s.Start(context.Background())
	defer s.Stop()
	rec.wait(t)

	s.Trigger()
	time.Sleep(50 * time.Millisecond)
	s.Trigger()
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.seqs) != 2 || rec.seqs[0] != 5 || rec.seqs[1] != 8 {
		t.Fatalf("expected seq 3 to be discarded, got %v", rec.seqs)
	}
}

func TestScheduler_ApplyReportingStaleIsNotAFailure(t *testing.T) {
	rec := newRecorder()
	applied := make(chan struct{}, 4)
	apply := func(uint64, int) error {
		applied <- struct{}{}
		return ErrStale
	}
	s := New(zerolog.Nop(), func(context.Context) (int, error) { return 1, nil }, apply, Options{Interval: time.Hour, OnError: rec.onError}, nil)

	s.Start(context.Background())
	<-applied
	s.Stop()

	if _, errs := rec.snapshot(); len(errs) != 0 {
		t.Fatalf("expected stale apply to be silent, got %v", errs)
	}
}

func TestScheduler_TriggerRunsOutOfBand(t *testing.T) {
	rec := newRecorder()
	var value atomic.Int32
	fetch := func(context.Context) (int, error) { return int(value.Add(1)), nil }
	s := New(zerolog.Nop(), fetch, rec.apply, Options{Interval: time.Hour}, nil)

	s.Start(context.Background())
	defer s.Stop()
	rec.wait(t)
	s.Trigger()
	rec.wait(t)

	if applied, _ := rec.snapshot(); len(applied) != 2 || applied[1] != 2 {
		t.Fatalf("expected a triggered second cycle, got %v", applied)
	}
}

func TestScheduler_BackoffSkipsTicks(t *testing.T) {
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("down")
	}
	opts := Options{Interval: 10 * time.Millisecond, Backoff: true, MaxBackoff: time.Second}
	s := New(zerolog.Nop(), fetch, func(uint64, int) error { return nil }, opts, nil)

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	// Without backoff about twenty fetches would run in this window.
	if got := calls.Load(); got < 2 || got > 8 {
		t.Fatalf("expected backoff to thin out fetches, got %d", got)
	}
}

func TestScheduler_BackoffIgnoresPermanentFailures(t *testing.T) {
	rejected := errors.New("rejected")
	var calls atomic.Int32
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, rejected
	}
	opts := Options{
		Interval:   10 * time.Millisecond,
		Backoff:    true,
		MaxBackoff: time.Second,
		Transient:  func(err error) bool { return !errors.Is(err, rejected) },
	}
	s := New(zerolog.Nop(), fetch, func(uint64, int) error { return nil }, opts, nil)

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	// Backing off would allow at most a handful of fetches in this window.
	if got := calls.Load(); got < 10 {
		t.Fatalf("expected permanent failures to keep the regular interval, got %d fetches", got)
	}
}

func TestBackoffDuration(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{5, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDuration(base, tc.failures, 5*time.Minute); got != tc.want {
			t.Fatalf("failures=%d: expected %v, got %v", tc.failures, tc.want, got)
		}
	}
	if got := backoffDuration(0, 0, 0); got != 10*time.Second {
		t.Fatalf("expected default base, got %v", got)
	}
}
