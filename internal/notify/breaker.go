package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/worktrail/internal/config"
)

// ErrCircuitOpen is returned while the endpoint is considered down.
var ErrCircuitOpen = errors.New("notify: circuit breaker is open")

// State is the state of a Breaker.
type State int

const (
	// Closed lets deliveries through and counts failures.
	Closed State = iota
	// Open rejects deliveries until the cool-down has passed.
	Open
	// HalfOpen lets probes through; enough successes close the breaker.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// minRateSamples is the number of calls a window needs before its error rate
// can trip the breaker.
const minRateSamples = 10

// Breaker trips after consecutive failures, or when the error rate within a
// tumbling window reaches a threshold. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	probes   int
	openedAt time.Time

	failureThreshold int
	successThreshold int
	coolDown         time.Duration

	rateThreshold  float64
	rateWindow     time.Duration
	windowStart    time.Time
	windowCalls    int
	windowFailures int

	now func() time.Time
}

// NewBreaker creates a breaker from cfg. Zero thresholds take defaults of
// five failures, two successes and a thirty second cool-down. A zero error
// rate threshold or window disables rate tripping.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		coolDown:         cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		rateWindow:       cfg.ErrorRateWindow,
		now:              time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.coolDown <= 0 {
		b.coolDown = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current() == Open {
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds the outcome of a delivery into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case Closed:
		b.count(err != nil)
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold || b.rateExceeded() {
			b.trip()
		}
	case HalfOpen:
		if err != nil {
			b.trip()
			return
		}
		b.probes++
		if b.probes >= b.successThreshold {
			b.state = Closed
			b.failures = 0
			b.probes = 0
			b.resetWindow()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current moves an open breaker to half-open once the cool-down has passed.
// Callers hold mu.
func (b *Breaker) current() State {
	if b.state == Open && b.now().Sub(b.openedAt) > b.coolDown {
		b.state = HalfOpen
		b.probes = 0
	}
	return b.state
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.probes = 0
	b.resetWindow()
}

func (b *Breaker) count(failed bool) {
	if b.rateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.rateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.rateThreshold <= 0 || b.rateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.rateThreshold
}
