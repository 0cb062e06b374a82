// Package network creates user-defined networks on demand.
package network

import (
	"context"
	"fmt"
	"maps"

	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/striped"
	"k8s.io/apimachinery/pkg/util/rand"
)

const namePrefix = "testcontainers-"

// Network describes a user-defined network. ID is empty until resolved.
type Network struct {
	Name   string
	Driver string
	Labels map[string]string
	ID     string
}

// New returns a bridge network with a random name.
func New(labels map[string]string) Network {
	return Network{
		Name:   namePrefix + rand.String(16),
		Driver: "bridge",
		Labels: maps.Clone(labels),
	}
}

// Reaper is the part of the resource reaper networks need: it has to be
// running, and its labels have to be on the network, before creation.
type Reaper interface {
	Start(ctx context.Context) error
	Labels() map[string]string
}

// Resolver creates networks that do not exist yet. Concurrent resolutions of
// the same name share one create call.
type Resolver struct {
	cli    runtime.Client
	reaper Reaper
	locks  *striped.Locks
}

// NewResolver returns a Resolver. reaper may be nil when cleanup is disabled.
func NewResolver(cli runtime.Client, reaper Reaper) *Resolver {
	return &Resolver{cli: cli, reaper: reaper, locks: striped.New()}
}

func (r *Resolver) Resolve(ctx context.Context, n Network) (Network, error) {
	if err := ctx.Err(); err != nil {
		return n, err
	}
	if n.Name == "" {
		return n, fmt.Errorf("network name is empty")
	}

	if id, err := r.lookup(ctx, n.Name); err != nil {
		return n, err
	} else if id != "" {
		n.ID = id
		return n, nil
	}

	unlock, err := r.locks.Lock(ctx, n.Name)
	if err != nil {
		return n, fmt.Errorf("waiting for network lock %s: %w", n.Name, err)
	}
	defer unlock()

	if id, err := r.lookup(ctx, n.Name); err != nil {
		return n, err
	} else if id != "" {
		n.ID = id
		return n, nil
	}

	labels := maps.Clone(n.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	if r.reaper != nil {
		if err := r.reaper.Start(ctx); err != nil {
			return n, fmt.Errorf("starting resource reaper: %w", err)
		}
		maps.Copy(labels, r.reaper.Labels())
	}
	n.Labels = labels

	id, err := r.cli.CreateNetwork(ctx, &runtime.NetworkRequest{
		Name:   n.Name,
		Driver: n.Driver,
		Labels: labels,
	})
	if err != nil {
		return n, fmt.Errorf("creating network %s: %w", n.Name, err)
	}
	n.ID = id

	log.Info(ctx, "created network", "network", n.Name, "id", id)
	return n, nil
}

// Remove deletes a resolved network.
func (r *Resolver) Remove(ctx context.Context, n Network) error {
	if n.ID == "" {
		return nil
	}
	return r.cli.RemoveNetwork(ctx, n.ID)
}

func (r *Resolver) lookup(ctx context.Context, name string) (string, error) {
	nets, err := r.cli.ListNetworks(ctx)
	if err != nil {
		return "", fmt.Errorf("listing networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return n.ID, nil
		}
	}
	return "", nil
}
