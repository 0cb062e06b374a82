package provider

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
)

// Factory selects a provider once and hands out the same client afterwards.
type Factory struct {
	providers []Provider
	dial      Dialer

	mu       sync.Mutex
	client   runtime.Client
	selected Provider
	err      error
}

func NewFactory(providers []Provider, opts ...Option) *Factory {
	o := &options{dial: dockerDialer}
	for _, opt := range opts {
		opt(o)
	}
	return &Factory{providers: providers, dial: o.dial}
}

// Client returns the client of the highest-priority applicable provider whose
// test passes. Candidates are tested lazily in order, so lower-priority ones
// are never touched once one succeeds. The outcome is cached, except when ctx
// ends the search early.
func (f *Factory) Client(ctx context.Context) (runtime.Client, Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil || f.err != nil {
		return f.client, f.selected, f.err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	candidates := make([]Provider, 0, len(f.providers))
	for _, p := range f.providers {
		if p.Applicable() {
			candidates = append(candidates, p)
		}
	}
	// Stable, so declaration order breaks priority ties.
	slices.SortStableFunc(candidates, func(a, b Provider) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})

	var tried []string
	for _, p := range candidates {
		if !p.Test(ctx) {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			tried = append(tried, fmt.Sprintf("%s (%s)", p.Name(), p.Endpoint()))
			continue
		}

		cli, err := f.dial(p.Endpoint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating client for provider %s: %w", p.Name(), err)
		}

		log.Info(ctx, "selected container runtime provider", "provider", p.Name(), "endpoint", p.Endpoint())
		f.client, f.selected = cli, p
		return cli, p, nil
	}

	if len(tried) == 0 {
		f.err = ErrNoProvider
	} else {
		f.err = fmt.Errorf("%w: tried %v", ErrNoProvider, tried)
	}
	return nil, nil, f.err
}

// Close releases the cached client, if any.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	f.err = errors.New("provider factory closed")
	return err
}
