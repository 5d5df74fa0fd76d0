package service

import (
	"context"

	"github.com/relayguard/relayguard/common"
	"github.com/relayguard/relayguard/constant"
)

// FailureKind classifies what went wrong with a forwarding call, seen from
// the network endpoint's perspective.
type FailureKind int

const (
	// FailureKindTransport: the forwarding call itself failed at the
	// network/transport level (dial error, TLS failure, reset, timeout).
	FailureKindTransport FailureKind = iota
	// FailureKindProbe: a scheduled health probe against the endpoint failed.
	FailureKindProbe
	// FailureKindClient: the transport worked but the outcome was bad for
	// reasons on the client side of the request, e.g. a well-formed 200
	// whose body carries an application-level error, or a client-initiated
	// stream abort.
	FailureKindClient
)

func (k FailureKind) String() string {
	switch k {
	case FailureKindTransport:
		return "transport"
	case FailureKindProbe:
		return "probe"
	case FailureKindClient:
		return "client"
	default:
		return "unknown"
	}
}

// EndpointBreaker is the coarser breaker variant at network-endpoint
// granularity. Its accounting is isolated from provider-level signals: a
// noisy or misbehaving client must not get a healthy endpoint excluded from
// routing, so client-side failure kinds never touch the counter.
type EndpointBreaker struct {
	inner *CircuitBreaker
}

func NewEndpointBreaker(redis *common.RedisService, cfg CircuitBreakerConfig) *EndpointBreaker {
	return &EndpointBreaker{inner: newCircuitBreaker(redis, constant.BreakerEndpointPrefix, cfg)}
}

func (e *EndpointBreaker) IsOpen(ctx context.Context, endpoint string) bool {
	return e.inner.IsOpen(ctx, endpoint)
}

func (e *EndpointBreaker) RecordSuccess(ctx context.Context, endpoint string) {
	e.inner.RecordSuccess(ctx, endpoint)
}

// RecordFailure counts only transport-level failures and probe failures.
func (e *EndpointBreaker) RecordFailure(ctx context.Context, endpoint string, kind FailureKind, cause error) {
	if kind == FailureKindClient {
		common.LogDebug("endpoint breaker: ignoring client-side failure for %s: %v", endpoint, cause)
		return
	}
	e.inner.RecordFailure(ctx, endpoint, cause)
}

func (e *EndpointBreaker) Reset(ctx context.Context, endpoint string) {
	e.inner.Reset(ctx, endpoint)
}

func (e *EndpointBreaker) GetState(ctx context.Context, endpoint string) *BreakerState {
	return e.inner.GetState(ctx, endpoint)
}

func (e *EndpointBreaker) BatchGetStates(ctx context.Context, endpoints []string) map[string]*BreakerState {
	return e.inner.BatchGetStates(ctx, endpoints)
}
