package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: min(base * 2^attempt, max) plus up to
// jitter * that value of random jitter. Successive delays never decrease
// until Reset.
type Backoff struct {
	mu sync.Mutex

	initial time.Duration
	max     time.Duration
	jitter  float64

	current  time.Duration // next base delay (before jitter)
	last     time.Duration // last returned delay
	attempts int

	rng *rand.Rand
}

// NewBackoff creates a backoff calculator.
func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	if initial <= 0 {
		initial = DefaultManagerConfig().ReconnectBaseWait
	}
	if max < initial {
		max = initial
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		initial: initial,
		max:     max,
		jitter:  jitter,
		current: initial,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(b.current) * b.jitter * b.rng.Float64())
	}
	// Jitter must not make a later delay shorter than an earlier one.
	if delay < b.last {
		delay = b.last
	}
	b.last = delay

	b.attempts++
	next := b.current * 2
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset returns to the initial delay. Call after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.last = 0
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
