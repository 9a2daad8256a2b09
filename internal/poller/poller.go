package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch/internal/metrics"
)

// ErrStale may be returned by an ApplyFunc to report that the result was
// superseded by newer state. It is counted, not treated as a failure.
var ErrStale = errors.New("stale poll result")

// FetchFunc performs one fetch. It must honour ctx cancellation.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// ApplyFunc folds a fetched result issued under seq into application state.
type ApplyFunc[T any] func(seq uint64, v T) error

type Options struct {
	// Name labels logs and metrics.
	Name     string
	Interval time.Duration
	// Backoff makes the scheduler skip ticks after consecutive failures.
	Backoff    bool
	MaxBackoff time.Duration
	// Transient classifies failures for backoff. Only transient failures
	// delay the next tick; nil treats every failure as transient.
	Transient func(error) bool
	// OnError is called for every failed fetch or apply.
	OnError func(error)
	// Sequence issues the number a fetch is tagged with. Defaults to an
	// internal counter.
	Sequence func() uint64
}

// Scheduler runs a fetch-and-apply cycle immediately on Start and then on
// every interval tick until Stop. At most one fetch is in flight; ticks that
// fire meanwhile are skipped. Results older than the last applied one are
// discarded, and nothing is applied once Stop has returned.
//
// The apply and error callbacks run with the scheduler lock held and must not
// call Start or Stop.
type Scheduler[T any] struct {
	log        zerolog.Logger
	name       string
	interval   time.Duration
	backoff    bool
	maxBackoff time.Duration
	transient  func(error) bool
	fetch      FetchFunc[T]
	apply      ApplyFunc[T]
	onError    func(error)
	sequence   func() uint64
	metrics    *metrics.Metrics
	now        func() time.Time
	trigger    chan struct{}

	mu          sync.Mutex
	active      bool
	gen         uint64
	cancel      context.CancelFunc
	done        chan struct{}
	inFlight    bool
	counter     uint64
	lastApplied uint64
	failures    int
	retryAt     time.Time
}

func New[T any](log zerolog.Logger, fetch FetchFunc[T], apply ApplyFunc[T], opts Options, m *metrics.Metrics) *Scheduler[T] {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	if maxBackoff < interval {
		maxBackoff = interval
	}
	name := opts.Name
	if name == "" {
		name = "poll"
	}

	s := &Scheduler[T]{
		log:        log.With().Str("component", "poller").Str("job", name).Logger(),
		name:       name,
		interval:   interval,
		backoff:    opts.Backoff,
		maxBackoff: maxBackoff,
		transient:  opts.Transient,
		fetch:      fetch,
		apply:      apply,
		onError:    opts.OnError,
		sequence:   opts.Sequence,
		metrics:    m,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
	if s.sequence == nil {
		s.sequence = s.nextSequence
	}
	return s
}

// Start activates the scheduler. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler[T]) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.active = true
	s.gen++
	s.cancel = cancel
	s.done = make(chan struct{})
	s.inFlight = false
	s.failures = 0
	s.retryAt = time.Time{}

	go s.run(runCtx, s.gen, s.done)
}

// Stop disables the ticker and abandons any in-flight fetch. When Stop
// returns no further result will be applied.
func (s *Scheduler[T]) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
}

// Running reports whether the scheduler is active.
func (s *Scheduler[T]) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Trigger requests an out-of-band cycle. It bypasses backoff but still
// respects the in-flight limit.
func (s *Scheduler[T]) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler[T]) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, gen, false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, gen, false)
		case <-s.trigger:
			s.tick(ctx, gen, true)
		}
	}
}

func (s *Scheduler[T]) tick(ctx context.Context, gen uint64, forced bool) {
	s.mu.Lock()
	if !s.active || s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.mu.Unlock()
		s.metrics.IncPollSkipped(s.name, "in_flight")
		s.log.Debug().Msg("previous fetch still in flight; skipping tick")
		return
	}
	if !forced && s.backoff && s.now().Before(s.retryAt) {
		s.mu.Unlock()
		s.metrics.IncPollSkipped(s.name, "backoff")
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	seq := s.sequence()
	go func() {
		start := s.now()
		v, err := s.fetch(ctx)
		s.finish(ctx, gen, seq, v, err, start)
	}()
}

func (s *Scheduler[T]) finish(ctx context.Context, gen, seq uint64, v T, err error, start time.Time) {
	took := s.now().Sub(start)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.inFlight = false
	if !s.active || ctx.Err() != nil {
		s.metrics.ObservePollCycle(s.name, "abandoned", took)
		return
	}

	if err != nil {
		s.failLocked(err, start, took)
		return
	}
	if seq <= s.lastApplied {
		s.metrics.IncPollStale(s.name)
		s.metrics.ObservePollCycle(s.name, "stale", took)
		s.log.Debug().Uint64("seq", seq).Uint64("applied", s.lastApplied).Msg("discarding stale result")
		return
	}
	if err := s.apply(seq, v); err != nil {
		if errors.Is(err, ErrStale) {
			s.metrics.IncPollStale(s.name)
			s.metrics.ObservePollCycle(s.name, "stale", took)
			return
		}
		s.failLocked(err, start, took)
		return
	}

	s.lastApplied = seq
	s.failures = 0
	s.retryAt = time.Time{}
	s.metrics.ObservePollCycle(s.name, "applied", took)
}

func (s *Scheduler[T]) failLocked(err error, start time.Time, took time.Duration) {
	s.failures++
	wait := s.interval
	if s.backoff && (s.transient == nil || s.transient(err)) {
		wait = backoffDuration(s.interval, s.failures, s.maxBackoff)
		// Measured from the tick that issued the fetch, with half an
		// interval of slack for ticker jitter.
		s.retryAt = start.Add(wait - s.interval/2)
	}
	s.metrics.ObservePollCycle(s.name, "error", took)
	s.log.Warn().Err(err).Int("consecutive_failures", s.failures).Dur("next_retry_in", wait).Msg("poll cycle failed")
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Scheduler[T]) nextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter
}

func backoffDuration(base time.Duration, failures int, max time.Duration) time.Duration {
	if base <= 0 {
		base = 10 * time.Second
	}
	if failures <= 0 {
		return base
	}

	// base * 2^failures, capped.
	if failures > 6 {
		failures = 6
	}
	d := base * time.Duration(1<<failures)
	if max > 0 && d > max {
		return max
	}
	return d
}
