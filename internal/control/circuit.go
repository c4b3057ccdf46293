package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker stops the poll loop from hammering a failing command source.
// Failures are counted per error class; one class reaching Threshold opens
// the circuit for Cooldown, after which a single trial poll is let through.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether work may proceed at now. An open circuit whose
// cooldown has elapsed moves to half-open and allows one trial poll.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return true
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true
	}
	return false
}

// RecordSuccess closes the circuit and reports whether it was not closed before.
func (c *CircuitBreaker) RecordSuccess() (recovered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	recovered = c.state != CircuitClosed
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	return recovered
}

// RecordFailure counts an error of the given class and reports whether this
// failure opened the circuit.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) (opened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		return true
	}
	c.failures[errClass]++
	if c.state == CircuitClosed && c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
		return true
	}
	return false
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
