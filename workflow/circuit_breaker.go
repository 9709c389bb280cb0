package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is wrapped by CapabilityError while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState 熔断器状态
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if int(s) < len(circuitStateNames) {
		return circuitStateNames[s]
	}
	return "unknown"
}

// CircuitBreakerConfig 熔断器配置；零值字段使用默认值
type CircuitBreakerConfig struct {
	// 连续失败达到该值后熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// 熔断持续时间，之后进入半开
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// 半开期间同时放行的探测上限
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// 半开期间需要的成功次数
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	pick := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	c.FailureThreshold = pick(c.FailureThreshold, def.FailureThreshold)
	c.HalfOpenMaxProbes = pick(c.HalfOpenMaxProbes, def.HalfOpenMaxProbes)
	c.SuccessThreshold = pick(c.SuccessThreshold, def.SuccessThreshold)
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// CircuitBreaker guards one capability. Only collaborator-side failures
// (unavailable, timeout, failed) count; invalid requests pass through.
//
// Every state change starts a new generation. A call's outcome is only
// applied when the breaker is still in the generation that admitted it, so a
// slow call started before a trip cannot close or re-trip the breaker later.
type CircuitBreaker struct {
	name   string
	inner  Capability
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      CircuitState
	generation uint64
	openedAt   time.Time
	failures   int
	successes  int
	inFlight   int // 半开期间已放行且未返回的探测
}

var _ Capability = (*CircuitBreaker)(nil)

func NewCircuitBreaker(name string, c Capability, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:   name,
		inner:  c,
		config: config.withDefaults(),
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("capability", name)),
		now:    time.Now,
	}
}

// Invoke implements Capability. The wrapped call runs outside the lock.
func (cb *CircuitBreaker) Invoke(ctx context.Context, req Request) (Result, error) {
	gen, ok := cb.admit()
	if !ok {
		return Result{}, &CapabilityError{
			Capability: cb.name,
			Kind:       CapabilityUnavailable,
			Retryable:  true,
			Err:        ErrCircuitOpen,
		}
	}
	res, err := cb.inner.Invoke(ctx, req)
	cb.settle(gen, countsAsFailure(err))
	return res, err
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and forgets outstanding calls.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.enter(CircuitClosed, "manual reset")
}

func (cb *CircuitBreaker) admit() (uint64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			return 0, false
		}
		cb.enter(CircuitHalfOpen, "recovery timeout elapsed")
	}
	if cb.state == CircuitHalfOpen {
		if cb.inFlight >= cb.config.HalfOpenMaxProbes {
			return 0, false
		}
		cb.inFlight++
	}
	return cb.generation, true
}

func (cb *CircuitBreaker) settle(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	if cb.state == CircuitHalfOpen {
		cb.inFlight--
	}

	switch {
	case failed && cb.state == CircuitHalfOpen:
		cb.enter(CircuitOpen, "probe failed")
	case failed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.enter(CircuitOpen, "failure threshold reached")
		}
	case cb.state == CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.enter(CircuitClosed, "probes succeeded")
		}
	default:
		cb.failures = 0
	}
}

// enter 切换状态并开启新一代，调用方持有锁
func (cb *CircuitBreaker) enter(next CircuitState, reason string) {
	if next != cb.state {
		cb.logger.Info("circuit breaker state change",
			zap.Stringer("from", cb.state),
			zap.Stringer("to", next),
			zap.String("reason", reason),
			zap.Int("failures", cb.failures))
	}
	cb.state = next
	cb.generation++
	cb.failures, cb.successes, cb.inFlight = 0, 0, 0
	if next == CircuitOpen {
		cb.openedAt = cb.now()
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return capErr.Kind != CapabilityInvalidRequest
	}
	return true
}

// RegisterWithBreaker registers c behind a CircuitBreaker and returns the breaker.
func (r *CapabilityRegistry) RegisterWithBreaker(name string, c Capability, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	cb := NewCircuitBreaker(name, c, config, logger)
	r.Register(name, cb)
	return cb
}
