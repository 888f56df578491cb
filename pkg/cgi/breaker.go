package cgi

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelreyna/spade/pkg/httpmsg"
	"github.com/raphaelreyna/spade/pkg/route"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type breakerOptions struct {
	name        string
	logger      *zap.Logger
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
	tripCount   uint32
}

// BreakerOption configures a Breaker.
type BreakerOption func(*breakerOptions)

// BreakerName is the name of the circuit breaker. This will be used to create a named logger
// for logging status changes.
func BreakerName(name string) BreakerOption {
	return func(bo *breakerOptions) {
		bo.name = name
	}
}

// BreakerLogger receives state changes of the circuit, under a logger
// named after BreakerName.
func BreakerLogger(logger *zap.Logger) BreakerOption {
	return func(bo *breakerOptions) {
		bo.logger = logger
	}
}

// BreakerMaxRequests is the maximum number of requests allowed to pass through
// when the circuit is half-open. If MaxRequests is 0, only 1 request is allowed.
func BreakerMaxRequests(n uint32) BreakerOption {
	return func(bo *breakerOptions) {
		bo.maxRequests = n
	}
}

// BreakerInterval is the cyclic period of the closed state after which failure
// counts are cleared. If 0, counts are only cleared on state changes.
func BreakerInterval(d time.Duration) BreakerOption {
	return func(bo *breakerOptions) {
		bo.interval = d
	}
}

// BreakerTimeout is the period of the open state, after which the circuit
// becomes half-open. If 0, it is 60 seconds.
func BreakerTimeout(d time.Duration) BreakerOption {
	return func(bo *breakerOptions) {
		bo.timeout = d
	}
}

// BreakerTripCount determines the number of consecutive failures required to trip the circuit.
func BreakerTripCount(n uint32) BreakerOption {
	return func(bo *breakerOptions) {
		bo.tripCount = n
	}
}

// Breaker stops spawning a route's executable after it keeps failing.
// While the circuit is open requests are answered with 500 without a
// child ever being created.
type Breaker struct {
	next route.Handler
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. Only handler failures count against the circuit:
// spawn errors, timeouts, crashes and unusable output.
func NewBreaker(next route.Handler, opts ...BreakerOption) *Breaker {
	bo := &breakerOptions{
		logger:      zap.NewNop(),
		tripCount:   5,
		timeout:     60 * time.Second,
		maxRequests: 1,
	}
	for _, opt := range opts {
		opt(bo)
	}

	log := bo.logger.Named(bo.name)

	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        bo.name,
			MaxRequests: bo.maxRequests,
			Interval:    bo.interval,
			Timeout:     bo.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= bo.tripCount
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch to {
				case gobreaker.StateOpen:
					log.Error("circuit has been opened")
				case gobreaker.StateHalfOpen:
					log.Warn("circuit is now half open and letting some requests through", zap.Uint32("max_requests_allowed_through", bo.maxRequests))
				case gobreaker.StateClosed:
					log.Info("circuit has been closed")
				}
			},
			IsSuccessful: func(err error) bool {
				return httpmsg.StatusOf(err) < httpmsg.StatusInternalServerError
			},
		}),
	}
}

// ServeRoute implements the route.Handler interface.
func (b *Breaker) ServeRoute(ctx context.Context, m route.Match, req *httpmsg.Request) (*httpmsg.Response, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ServeRoute(ctx, m, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, httpmsg.HandlerError{Cause: err}
	}
	if err != nil {
		return nil, err
	}
	return v.(*httpmsg.Response), nil
}

// State reports the circuit's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
