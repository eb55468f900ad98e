package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is the result of an admitted call.
type Outcome int

const (
	Success Outcome = iota
	Failure
	// Ignored releases the admission without counting, e.g. when the caller
	// went away before the upstream answered.
	Ignored
)

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyTrials is returned when every half-open trial slot is taken.
	ErrTooManyTrials = errors.New("circuit breaker is half-open, trial calls exhausted")
)

// Settings configure a breaker. Zero values take defaults.
type Settings struct {
	FailureRatio     float64       // trip when failures/samples reaches this
	MinSamples       int           // samples needed in the window before tripping
	Window           time.Duration // rolling window length
	Buckets          int           // window resolution
	Cooldown         time.Duration // time spent open before trials are admitted
	HalfOpenRequests int           // concurrent trial calls while half-open
	SuccessThreshold int           // consecutive trial successes needed to close
	FailureStatuses  []int         // upstream statuses counted as failures
}

// DefaultFailureStatuses are upstream statuses recorded as breaker failures.
var DefaultFailureStatuses = []int{502, 503, 504}

// WithDefaults returns s with zero fields replaced by defaults.
func (s Settings) WithDefaults() Settings {
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = 0.5
	}
	if s.MinSamples <= 0 {
		s.MinSamples = 10
	}
	if s.Window <= 0 {
		s.Window = 10 * time.Second
	}
	if s.Buckets <= 0 {
		s.Buckets = 10
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.HalfOpenRequests <= 0 {
		s.HalfOpenRequests = 1
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if len(s.FailureStatuses) == 0 {
		s.FailureStatuses = DefaultFailureStatuses
	}
	return s
}

func (s Settings) fingerprint() string {
	return fmt.Sprintf("%v/%d/%v/%d/%v/%d/%d/%v",
		s.FailureRatio, s.MinSamples, s.Window, s.Buckets,
		s.Cooldown, s.HalfOpenRequests, s.SuccessThreshold, s.FailureStatuses)
}

// StateChangeFunc observes breaker transitions. It runs outside the lock.
type StateChangeFunc func(name string, from, to State)

// Option customizes a breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

type bucket struct {
	epoch     int64
	successes int
	failures  int
}

// Breaker implements the circuit breaker pattern over a rolling window of
// call outcomes.
type Breaker struct {
	name      string
	settings  Settings
	failures  map[int]bool
	bucketDur time.Duration
	now       func() time.Time
	onChange  StateChangeFunc

	mu                sync.Mutex
	state             State
	buckets           []bucket
	openedAt          time.Time
	lastTransition    time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	generation        uint64 // bumped on every transition

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a breaker in the closed state.
func New(name string, s Settings, opts ...Option) *Breaker {
	s = s.WithDefaults()
	b := &Breaker{
		name:     name,
		settings: s,
		failures: make(map[int]bool, len(s.FailureStatuses)),
		now:      time.Now,
		state:    StateClosed,
		buckets:  make([]bucket, s.Buckets),
	}
	for _, code := range s.FailureStatuses {
		b.failures[code] = true
	}
	b.bucketDur = s.Window / time.Duration(s.Buckets)
	if b.bucketDur <= 0 {
		b.bucketDur = time.Millisecond
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b
}

// Name returns the key the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// IsFailureStatus reports whether an upstream status counts as a failure.
func (b *Breaker) IsFailureStatus(code int) bool {
	return b.failures[code]
}

// Allow admits or rejects a call. An admitted call must report its outcome
// through done exactly once; further calls to done are ignored.
func (b *Breaker) Allow() (done func(Outcome), err error) {
	b.mu.Lock()
	b.totalRequests.Add(1)

	var from State
	changed := false
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		from, changed = b.state, true
		b.transitionLocked(StateHalfOpen)
	}

	switch b.state {
	case StateOpen:
		b.totalRejected.Add(1)
		b.mu.Unlock()
		return nil, ErrOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.settings.HalfOpenRequests {
			b.totalRejected.Add(1)
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return nil, ErrTooManyTrials
		}
		b.halfOpenInFlight++
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(changed, from, StateHalfOpen)

	var once sync.Once
	return func(o Outcome) {
		once.Do(func() { b.record(gen, o) })
	}, nil
}

// record applies an outcome. Calls admitted in an earlier state period
// only feed the totals.
func (b *Breaker) record(gen uint64, o Outcome) {
	switch o {
	case Success:
		b.totalSuccesses.Add(1)
	case Failure:
		b.totalFailures.Add(1)
	}

	b.mu.Lock()
	from := b.state
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		if o == Ignored {
			break
		}
		b.addLocked(o == Failure)
		if o == Failure && b.shouldTripLocked() {
			b.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		switch o {
		case Failure:
			b.transitionLocked(StateOpen)
		case Success:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.settings.SuccessThreshold {
				b.transitionLocked(StateClosed)
			}
		}

	}

	to := b.state
	b.mu.Unlock()
	b.notify(from != to, from, to)
}

func (b *Breaker) notify(changed bool, from, to State) {
	if changed && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// transitionLocked moves to a new state and resets the state's counters.
func (b *Breaker) transitionLocked(to State) {
	now := b.now()
	b.state = to
	b.generation++
	b.lastTransition = now
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
	}
}

func (b *Breaker) addLocked(failure bool) {
	epoch := b.now().UnixNano() / int64(b.bucketDur)
	bk := &b.buckets[epoch%int64(len(b.buckets))]
	if bk.epoch != epoch {
		*bk = bucket{epoch: epoch}
	}
	if failure {
		bk.failures++
	} else {
		bk.successes++
	}
}

// countsLocked sums the buckets that still fall inside the window.
func (b *Breaker) countsLocked() (successes, failures int) {
	epoch := b.now().UnixNano() / int64(b.bucketDur)
	oldest := epoch - int64(len(b.buckets)) + 1
	for _, bk := range b.buckets {
		if bk.epoch >= oldest && bk.epoch <= epoch {
			successes += bk.successes
			failures += bk.failures
		}
	}
	return successes, failures
}

func (b *Breaker) shouldTripLocked() bool {
	successes, failures := b.countsLocked()
	total := successes + failures
	if total < b.settings.MinSamples {
		return false
	}
	return float64(failures)/float64(total) >= b.settings.FailureRatio
}

// State returns the current state. An open breaker whose cooldown elapsed
// still reports open until the next call is admitted.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	successes, failures := b.countsLocked()
	return Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		WindowSuccesses:  successes,
		WindowFailures:   failures,
		FailureRatio:     b.settings.FailureRatio,
		MinSamples:       b.settings.MinSamples,
		HalfOpenInFlight: b.halfOpenInFlight,
		LastTransition:   b.lastTransition,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	WindowSuccesses  int       `json:"window_successes"`
	WindowFailures   int       `json:"window_failures"`
	FailureRatio     float64   `json:"failure_ratio"`
	MinSamples       int       `json:"min_samples"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	LastTransition   time.Time `json:"last_transition"`
	TotalRequests    int64     `json:"total_requests"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	TotalRejected    int64     `json:"total_rejected"`
}
