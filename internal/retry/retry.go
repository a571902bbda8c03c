// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy configures attempts and backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// Outcome reports what Do did.
type Outcome struct {
	Attempts int
	Err      error
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Delay returns the wait before attempt n+1, given n failed attempts so far.
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64() // #nosec G404 -- jitter only
	}
	return time.Duration(d)
}

// Do calls op until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done. The attempt number passed to op starts at 1.
func Do(ctx context.Context, p Policy, op func(attempt int) error) Outcome {
	p = p.normalized()
	var out Outcome
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out.Attempts = attempt
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		err := op(attempt)
		if err == nil {
			out.Err = nil
			return out
		}
		out.Err = err
		if IsPermanent(err) || attempt == p.MaxAttempts {
			return out
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			out.Err = ctx.Err()
			return out
		case <-t.C:
		}
	}
	return out
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
