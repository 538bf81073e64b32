package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerGateway wraps a CompletionGateway with circuit breaker
// protection around stream initiation. Failures inside an open stream are
// delivered through the channel and do not trip the breaker.
type CircuitBreakerGateway struct {
	inner   domain.CompletionGateway
	breaker *gobreaker.CircuitBreaker[<-chan domain.Fragment]
	logger  *slog.Logger
}

// NewCircuitBreakerGateway wraps inner. Zero-valued settings take defaults.
func NewCircuitBreakerGateway(inner domain.CompletionGateway, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerGateway {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cb := gobreaker.NewCircuitBreaker[<-chan domain.Fragment](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one trial request while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	return &CircuitBreakerGateway{inner: inner, breaker: cb, logger: logger}
}

// isBreakerSuccess counts only upstream availability failures (rate limit,
// 5xx, transport, deadline) against the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return !domain.IsRetryableError(err) && !errors.Is(err, context.DeadlineExceeded)
}

// Stream implements domain.CompletionGateway.
func (g *CircuitBreakerGateway) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.Fragment, error) {
	ch, err := g.breaker.Execute(func() (<-chan domain.Fragment, error) {
		return g.inner.Stream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q: %w: %v", g.inner.Name(), domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return ch, nil
}

// Name implements domain.CompletionGateway.
func (g *CircuitBreakerGateway) Name() string { return g.inner.Name() }

// State returns the current breaker state.
func (g *CircuitBreakerGateway) State() gobreaker.State { return g.breaker.State() }

// Counts returns the current breaker counters.
func (g *CircuitBreakerGateway) Counts() gobreaker.Counts { return g.breaker.Counts() }

var _ domain.CompletionGateway = (*CircuitBreakerGateway)(nil)

// --- Connection pooling ---

// Default connection pool settings: few hosts, long-lived streaming
// connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
)

// NewPooledTransport creates an http.Transport tuned for completion calls.
// respTimeout bounds the wait for response headers, not the stream itself.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool config.PoolConfig) *http.Transport {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates the provider's *http.Client. There is no overall
// Timeout; streams end through the request context.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	return &http.Client{
		Transport: NewPooledTransport(cfg.ConnTimeout, cfg.RespTimeout, cfg.Pool),
	}
}

// NewGateway assembles the configured provider, wrapped in a circuit breaker
// when enabled.
func NewGateway(cfg config.ProviderConfig, logger *slog.Logger, opts ...Option) domain.CompletionGateway {
	var gw domain.CompletionGateway = NewOpenAIProvider(cfg, logger, opts...)
	if cfg.CircuitBreaker.Enabled {
		gw = NewCircuitBreakerGateway(gw, cfg.CircuitBreaker, logger)
	}
	return gw
}
