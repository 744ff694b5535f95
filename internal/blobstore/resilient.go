package blobstore

import (
	"context"
	"errors"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
	"github.com/MatthewMawby/SearchIndex/pkg/metrics"
	"github.com/MatthewMawby/SearchIndex/pkg/resilience"
)

// Resilient guards a remote Store with a circuit breaker and records blob
// operation metrics. Not-found results do not count as failures.
type Resilient struct {
	inner   Store
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// NewResilient wraps inner. m may be nil.
func NewResilient(inner Store, name string, cfg resilience.CircuitBreakerConfig, m *metrics.Metrics) *Resilient {
	cfg.IsFailure = func(err error) bool { return !isNotFound(err) }
	if m != nil {
		gauge := m.CircuitBreakerState.WithLabelValues(name)
		gauge.Set(float64(resilience.StateClosed))
		cfg.OnStateChange = func(_ string, to resilience.State) {
			gauge.Set(float64(to))
		}
	}
	return &Resilient{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(name, cfg),
		metrics: m,
	}
}

func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.breaker.Execute(func() error {
		var err error
		data, err = r.inner.Get(ctx, key)
		return err
	})
	r.observe("get", err)
	return data, r.wrap(err)
}

func (r *Resilient) Put(ctx context.Context, key string, data []byte) error {
	err := r.breaker.Execute(func() error {
		return r.inner.Put(ctx, key, data)
	})
	r.observe("put", err)
	return r.wrap(err)
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	err := r.breaker.Execute(func() error {
		return r.inner.Delete(ctx, key)
	})
	r.observe("delete", err)
	return r.wrap(err)
}

func (r *Resilient) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.breaker.Execute(func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	})
	r.observe("list", err)
	return keys, r.wrap(err)
}

func (r *Resilient) Ping(ctx context.Context) error {
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State exposes the breaker state for health checks.
func (r *Resilient) State() resilience.State {
	return r.breaker.State()
}

func (r *Resilient) observe(op string, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case isNotFound(err):
		status = "not_found"
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "rejected"
	default:
		status = "error"
	}
	r.metrics.BlobOpsTotal.WithLabelValues(op, status).Inc()
}

// wrap makes breaker rejections look like any other storage failure.
func (r *Resilient) wrap(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.Storage("blob store", err)
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
