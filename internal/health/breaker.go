package health

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var ErrBreakerOpen = errors.New("rate limit circuit breaker open")

// Breaker counts consecutive 429 responses from a downstream API within a
// single task execution and opens once the threshold is reached.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	open        bool
}

func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{threshold: threshold}
}

// Observe records one response status and returns ErrBreakerOpen once open.
func (b *Breaker) Observe(statusCode int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return ErrBreakerOpen
	}
	if statusCode != http.StatusTooManyRequests {
		b.consecutive = 0
		return nil
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.open = true
		return fmt.Errorf("%w after %d consecutive 429 responses", ErrBreakerOpen, b.consecutive)
	}
	return nil
}

// Allow reports ErrBreakerOpen without recording anything.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
