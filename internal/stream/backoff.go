package stream

import "time"

// Policy is the reconnect backoff policy.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the 1s base, 30s cap, 5 attempt policy.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns min(Base * 2^attempt, Max). attempt starts at 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}
