package resilience

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/ontology-platform/request-control/infrastructure/errors"
	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
)

const latencyWindow = 50

// Breaker is a single named circuit breaker. It wraps
// gobreaker.CircuitBreaker for the closed/open/half-open core (consecutive
// failures and timeout-driven recovery) and layers spec.md §4.3's
// additional trigger signals — error rate, average response time, and
// backpressure — plus gradual, probabilistic half-open recovery and a
// best-effort distributed state snapshot, none of which gobreaker's core
// state machine models on its own.
type Breaker struct {
	cfg   Config
	gb    *gobreaker.CircuitBreaker[any]
	store kvstore.Store
	log   *logging.Logger

	latMu     sync.Mutex
	latencies []time.Duration

	inFlight      int32
	halfOpenBusy  int32
	halfOpenWins  int32 // consecutive half-open successes, reset every transition

	forceMu         sync.Mutex
	forcedOpenUntil time.Time
	forcedReason    Reason

	openMu   sync.Mutex
	openedAt time.Time

	tripMu     sync.Mutex
	tripReason Reason

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewBreaker builds a Breaker backed by gobreaker, optionally persisting
// distributed-visibility state snapshots to store (pass nil to skip).
func NewBreaker(cfg Config, store kvstore.Store, log *logging.Logger) *Breaker {
	cfg = cfg.normalized()

	b := &Breaker{
		cfg:   cfg,
		store: store,
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0, // counts reset on state change, not wall-clock interval
		Timeout:     cfg.Timeout,
		ReadyToTrip: b.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			atomic.StoreInt32(&b.halfOpenWins, 0)
			atomic.StoreInt32(&b.halfOpenBusy, 0)
			reason := b.takeTripReason()
			if State(to) == StateClosed {
				reason = ReasonRecovered
			}
			b.onTransition(State(from), State(to), reason)
		},
	}
	if cfg.ExcludedExceptions != nil {
		settings.IsSuccessful = func(err error) bool {
			if err == nil {
				return true
			}
			return cfg.ExcludedExceptions(err)
		}
	}

	b.gb = gobreaker.NewCircuitBreaker[any](settings)
	return b
}

func (b *Breaker) setTripReason(r Reason) {
	b.tripMu.Lock()
	b.tripReason = r
	b.tripMu.Unlock()
}

func (b *Breaker) takeTripReason() Reason {
	b.tripMu.Lock()
	defer b.tripMu.Unlock()
	r := b.tripReason
	if r == "" {
		r = ReasonConsecutiveFailures
	}
	b.tripReason = ""
	return r
}

// readyToTrip implements spec.md §4.3's trip decision: consecutive
// failures (primary, delegated to gobreaker's own Counts), error rate over
// a bounded recent window (secondary, minimum 10 samples), average
// response time over the same window (tertiary).
func (b *Breaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold) {
		b.setTripReason(ReasonConsecutiveFailures)
		return true
	}
	if b.cfg.ErrorRateThreshold > 0 && counts.Requests >= 10 {
		rate := float64(counts.TotalFailures) / float64(counts.Requests)
		if rate >= b.cfg.ErrorRateThreshold {
			b.setTripReason(ReasonErrorRate)
			return true
		}
	}
	if b.cfg.ResponseTimeThreshold > 0 {
		if avg := b.avgLatency(); avg > 0 && avg >= b.cfg.ResponseTimeThreshold {
			b.setTripReason(ReasonResponseTime)
			return true
		}
	}
	return false
}

func (b *Breaker) recordLatency(d time.Duration) {
	b.latMu.Lock()
	defer b.latMu.Unlock()
	b.latencies = append(b.latencies, d)
	if len(b.latencies) > latencyWindow {
		b.latencies = b.latencies[len(b.latencies)-latencyWindow:]
	}
}

func (b *Breaker) avgLatency() time.Duration {
	b.latMu.Lock()
	defer b.latMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range b.latencies {
		total += d
	}
	return total / time.Duration(len(b.latencies))
}

func (b *Breaker) onTransition(from, to State, reason Reason) {
	if to == StateOpen {
		b.openMu.Lock()
		b.openedAt = time.Now()
		b.openMu.Unlock()
	} else if to == StateClosed {
		b.openMu.Lock()
		b.openedAt = time.Time{}
		b.openMu.Unlock()
	}
	if b.log != nil {
		b.log.LogCircuitTransition(context.Background(), b.cfg.Name, from.String(), to.String())
	}
	persistSnapshot(context.Background(), b.store, b.cfg.Name, b.cfg.RedisTTL, to, reason)
	if to == StateOpen && b.cfg.AlertOnOpen && b.cfg.AlertFunc != nil {
		b.cfg.AlertFunc(b.cfg.Name, reason)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to, reason)
	}
}

// State returns the breaker's current externally-visible state, including
// any independent backpressure trip that gobreaker itself doesn't model.
func (b *Breaker) State() State {
	b.forceMu.Lock()
	forcedUntil := b.forcedOpenUntil
	b.forceMu.Unlock()
	if time.Now().Before(forcedUntil) {
		return StateOpen
	}
	return State(b.gb.State())
}

// RetryAfter reports how long a caller should wait before the circuit is
// expected to let requests through again: the remainder of a forced
// (backpressure) open window if one is active, else the remainder of
// cfg.Timeout since gobreaker last tripped the circuit open. Returns 0 if
// the breaker isn't currently open.
func (b *Breaker) RetryAfter() time.Duration {
	b.forceMu.Lock()
	forcedUntil := b.forcedOpenUntil
	b.forceMu.Unlock()
	if remaining := time.Until(forcedUntil); remaining > 0 {
		return remaining
	}

	b.openMu.Lock()
	openedAt := b.openedAt
	b.openMu.Unlock()
	if openedAt.IsZero() {
		return 0
	}
	if remaining := b.cfg.Timeout - time.Since(openedAt); remaining > 0 {
		return remaining
	}
	return 0
}

// Call runs fn with circuit breaker protection, per spec.md §4.3's
// `call(fn)` operation. On rejection it returns the configured fallback's
// value if set, else a typed CircuitOpen/Backpressure failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if rejected, err := b.checkBackpressure(ctx); rejected {
		return b.fallbackOrErr(err)
	}

	if rejected, err := b.checkHalfOpenAdmission(ctx); rejected {
		return b.fallbackOrErr(err)
	}
	if inHalfOpen := b.State() == StateHalfOpen; inHalfOpen {
		atomic.AddInt32(&b.halfOpenBusy, 1)
		defer atomic.AddInt32(&b.halfOpenBusy, -1)
	}

	atomic.AddInt32(&b.inFlight, 1)
	defer atomic.AddInt32(&b.inFlight, -1)

	start := time.Now()
	result, err := b.gb.Execute(func() (any, error) {
		return fn(ctx)
	})
	b.recordLatency(time.Since(start))
	recordMetrics(ctx, b.store, b.cfg.Name, err == nil)

	if err != nil {
		mapped := b.mapGobreakerError(err)
		return b.fallbackOrErr(mapped)
	}

	if b.State() == StateHalfOpen {
		atomic.AddInt32(&b.halfOpenWins, 1)
	}
	return result, nil
}

// checkBackpressure implements spec.md §4.3's backpressure trigger: an
// optional per-circuit inflight+queue counter that force-opens the
// breaker for cfg.Timeout once the threshold is reached, independent of
// gobreaker's own consecutive-failure bookkeeping.
func (b *Breaker) checkBackpressure(ctx context.Context) (bool, error) {
	if b.cfg.BackpressureThreshold <= 0 {
		return false, nil
	}
	if b.State() == StateOpen {
		return false, nil // already open; let the normal path report CircuitOpen
	}
	if int(atomic.LoadInt32(&b.inFlight)) < b.cfg.BackpressureThreshold {
		return false, nil
	}

	b.forceMu.Lock()
	alreadyTripped := time.Now().Before(b.forcedOpenUntil)
	b.forcedOpenUntil = time.Now().Add(b.cfg.Timeout)
	b.forcedReason = ReasonBackpressure
	b.forceMu.Unlock()

	if !alreadyTripped {
		b.onTransition(StateClosed, StateOpen, ReasonBackpressure)
	}
	return true, errors.Backpressure(b.cfg.Name, int(atomic.LoadInt32(&b.inFlight)), b.RetryAfter())
}

// checkHalfOpenAdmission enforces cfg.HalfOpenMaxCalls as a concurrency
// gate distinct from gobreaker's MaxRequests (which this package maps to
// SuccessThreshold so that closing still requires consecutive_successes
// per spec.md §4.3), and applies gradual-recovery probabilistic admission
// when enabled.
func (b *Breaker) checkHalfOpenAdmission(ctx context.Context) (bool, error) {
	if b.State() != StateHalfOpen {
		return false, nil
	}
	if int(atomic.LoadInt32(&b.halfOpenBusy)) >= b.cfg.HalfOpenMaxCalls {
		return true, b.errTooManyRequests()
	}
	if !b.cfg.GradualRecovery {
		return false, nil
	}

	wins := atomic.LoadInt32(&b.halfOpenWins)
	pct := b.cfg.RecoveryFactor + (1-b.cfg.RecoveryFactor)*float64(wins)/float64(b.cfg.SuccessThreshold)
	if pct > 1 {
		pct = 1
	}
	b.rngMu.Lock()
	roll := b.rng.Float64()
	b.rngMu.Unlock()
	if roll < pct {
		return false, nil
	}
	return true, b.errTooManyRequests()
}

func (b *Breaker) fallbackOrErr(err error) (any, error) {
	if b.cfg.Fallback != nil {
		return b.cfg.Fallback(err)
	}
	return nil, err
}

func (b *Breaker) mapGobreakerError(err error) error {
	switch err {
	case gobreaker.ErrOpenState:
		return errors.CircuitOpen(b.cfg.Name, b.RetryAfter())
	case gobreaker.ErrTooManyRequests:
		return b.errTooManyRequests()
	default:
		return err
	}
}

// errTooManyRequests reports the half-open concurrency gate (HalfOpenMaxCalls
// or gradual-recovery admission) rejecting a call. This is a distinct
// trigger from the circuit actually being open, and clears as soon as the
// in-flight half-open probes resolve rather than on cfg.Timeout, so it
// carries no RetryAfter-derived wait.
func (b *Breaker) errTooManyRequests() error {
	return errors.CircuitOpen(b.cfg.Name, 0)
}
