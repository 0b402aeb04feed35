package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/agency-ai-meter/internal/provider"
)

var ErrNoProvider = errors.New("no ai provider available")

// Router picks an upstream provider and runs calls behind a per-provider
// circuit breaker.
type Router struct {
	providers []provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers []provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return &Router{providers: providers, breakers: breakers}
}

// Route returns the first healthy provider serving req.Model, or the
// cheapest healthy provider when no model is requested.
func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	var best provider.Provider
	for _, p := range r.providers {
		if r.breakers[p.Name()].State() == gobreaker.StateOpen {
			continue
		}
		if req.Model != "" {
			if supports(p, req.Model) {
				return p, nil
			}
			continue
		}
		if best == nil || p.Pricing().Input.LessThan(best.Pricing().Input) {
			best = p
		}
	}
	if best == nil {
		if req.Model != "" {
			return nil, fmt.Errorf("%w for model %q", ErrNoProvider, req.Model)
		}
		return nil, ErrNoProvider
	}
	return best, nil
}

func supports(p provider.Provider, model string) bool {
	for _, m := range p.Models() {
		if m == model {
			return true
		}
	}
	return false
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb, ok := r.breakers[p.Name()]
	if !ok {
		return p.Complete(ctx, req)
	}
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}
