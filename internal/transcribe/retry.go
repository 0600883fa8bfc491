package transcribe

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls the backoff loop of one call. It is passed by value on
// every request so concurrent jobs never share retry state.
type RetryPolicy struct {
	MaxRetries     int           // additional attempts after the first
	InitialBackoff time.Duration // first sleep
	MaxBackoff     time.Duration // cap for every sleep
	Jitter         float64       // each doubling is scaled by 1±Jitter
}

// DefaultRetryPolicy returns 5 retries, 2s initial, 60s cap and ±10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
		Jitter:         0.1,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 2 * time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// jitterBackOff is a backoff.BackOff whose first interval is InitialBackoff and
// each following one is prev*2*(1+u), u uniform in [-Jitter, Jitter], capped at
// MaxBackoff. The jitter compounds: it scales the previous actual sleep, not a
// fixed base.
type jitterBackOff struct {
	policy RetryPolicy
	rand   func() float64
	prev   time.Duration
}

func newJitterBackOff(p RetryPolicy, rnd func() float64) *jitterBackOff {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &jitterBackOff{policy: p, rand: rnd}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	if b.prev == 0 {
		b.prev = min(b.policy.InitialBackoff, b.policy.MaxBackoff)
		return b.prev
	}
	u := b.policy.Jitter * (2*b.rand() - 1)
	next := time.Duration(float64(b.prev) * 2 * (1 + u))
	if next > b.policy.MaxBackoff {
		next = b.policy.MaxBackoff
	}
	b.prev = next
	return next
}

func (b *jitterBackOff) Reset() { b.prev = 0 }

var _ backoff.BackOff = (*jitterBackOff)(nil)
