package rpc

import (
	"sync"
	"time"
)

// breakerState 表示 signer 端点当前的拨号健康状况。
type breakerState string

const (
	stateHealthy  breakerState = "healthy"
	stateDegraded breakerState = "degraded"
	stateDraining breakerState = "draining"
)

// circuitBreaker 在连续拨号失败达到阈值后，于 cooldown 内快速失败。threshold<=0 时不生效。
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu         sync.Mutex
	state      breakerState
	failures   int
	lastChange time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		threshold:  threshold,
		cooldown:   cooldown,
		state:      stateHealthy,
		lastChange: time.Now(),
	}
}

// Allow 报告是否可以尝试拨号；degraded 状态在 cooldown 过后放行一次探测。
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateDraining:
		return false
	case stateDegraded:
		if time.Since(cb.lastChange) < cb.cooldown {
			return false
		}
		cb.state = stateHealthy
		cb.failures = cb.threshold - 1
		cb.lastChange = time.Now()
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == stateDegraded {
		cb.state = stateHealthy
		cb.lastChange = time.Now()
	}
}

func (cb *circuitBreaker) Failure() (tripped bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.threshold <= 0 || cb.state != stateHealthy {
		return false
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = stateDegraded
		cb.lastChange = time.Now()
		return true
	}
	return false
}

// Drain 永久拒绝后续拨号，用于 Channel 关闭。
func (cb *circuitBreaker) Drain() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateDraining
	cb.lastChange = time.Now()
}

func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
