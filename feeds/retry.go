package feeds

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RETRY POLICY - Exponential backoff with a failure-count circuit breaker
// ═══════════════════════════════════════════════════════════════════════════════
//
// attempt n sleeps Backoff * 2^(n-1) (capped at MaxBackoff) plus up to Jitter.
// FailureThreshold consecutive failed attempts open the circuit; calls fail
// fast with ErrCircuitOpen until RecoveryTime has passed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrCircuitOpen is returned while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryPolicy retries transient failures; safe for concurrent use
type RetryPolicy struct {
	Retries          int
	Backoff          time.Duration
	MaxBackoff       time.Duration
	Jitter           time.Duration
	FailureThreshold int
	RecoveryTime     time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries 3 times from 500ms and opens after 5 failures for 30s
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Retries:          3,
		Backoff:          500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		Jitter:           100 * time.Millisecond,
		FailureThreshold: 5,
		RecoveryTime:     30 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a permanent error, or retries run out
func (p *RetryPolicy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		if p.circuitOpen() {
			log.Error().Str("call", name).Msg("🔌 Circuit breaker open")
			return ErrCircuitOpen
		}

		err := fn(ctx)
		if err == nil {
			p.recordSuccess()
			return nil
		}

		attempt++
		p.recordFailure()

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > p.Retries {
			log.Error().Err(err).Str("call", name).Int("retries", p.Retries).Msg("Giving up")
			return err
		}

		delay := p.delay(attempt)
		log.Warn().Err(err).Str("call", name).Int("attempt", attempt).Dur("backoff", delay).Msg("Retrying")
		if err := p.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// Failures returns the current consecutive failure count
func (p *RetryPolicy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff << (attempt - 1)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

func (p *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *RetryPolicy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *RetryPolicy) circuitOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.openedAt.IsZero() {
		return false
	}
	if p.clock().Sub(p.openedAt) >= p.RecoveryTime {
		p.failures = 0
		p.openedAt = time.Time{}
		log.Info().Msg("🔌 Circuit breaker closed")
		return false
	}
	return true
}

func (p *RetryPolicy) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	if p.FailureThreshold > 0 && p.failures >= p.FailureThreshold && p.openedAt.IsZero() {
		p.openedAt = p.clock()
	}
}

func (p *RetryPolicy) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.openedAt = time.Time{}
}
