package transport

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig 决定 Accept 失败后的指数退避参数。
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// DefaultBackoff 与 net/http.Server 的 Accept 重试节奏一致：5ms 起步，上限 1s。
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: 5 * time.Millisecond, Max: time.Second, Jitter: 0.2}
}

// Backoff 计算带抖动的指数退避等待时间。
type Backoff struct {
	cfg      BackoffConfig
	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

// NewBackoff 创建 Backoff。
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultBackoff().Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	return &Backoff{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 计算下一次等待时长，结果始终落在 [Initial, Max]。
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.cfg.Initial << b.attempts
	if base <= 0 || base > b.cfg.Max {
		base = b.cfg.Max
	}
	if b.cfg.Jitter > 0 {
		low := 1 - b.cfg.Jitter
		high := 1 + b.cfg.Jitter
		base = time.Duration(float64(base) * (low + b.rand.Float64()*(high-low)))
	}
	if b.attempts < 16 {
		b.attempts++
	}
	if base < b.cfg.Initial {
		base = b.cfg.Initial
	}
	if base > b.cfg.Max {
		base = b.cfg.Max
	}
	return base
}

// Reset 清除失败计数。
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
