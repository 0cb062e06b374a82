package network

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/runtime/runtimetest"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeReaper struct {
	started atomic.Int32
}

func (r *fakeReaper) Start(context.Context) error {
	r.started.Add(1)
	return nil
}

func (r *fakeReaper) Labels() map[string]string {
	return map[string]string{
		"dev.chainguard.testcontainers":           "true",
		"dev.chainguard.testcontainers.SessionId": "5b0c3c16-4a2e-4d57-9c59-0f1f4e1f0c2a",
	}
}

func TestNew(t *testing.T) {
	a, b := New(nil), New(nil)
	require.True(t, strings.HasPrefix(a.Name, "testcontainers-"))
	require.Len(t, a.Name, len("testcontainers-")+16)
	require.NotEqual(t, a.Name, b.Name)
	require.Equal(t, "bridge", a.Driver)
}

func TestResolveMergesReaperLabels(t *testing.T) {
	f := runtimetest.New()
	rp := &fakeReaper{}
	res := NewResolver(f, rp)

	in := New(map[string]string{"app": "billing"})
	n, err := res.Resolve(t.Context(), in)
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)
	require.Equal(t, int32(1), rp.started.Load())

	created, ok := f.Network(n.ID)
	require.True(t, ok)
	require.Equal(t, "billing", created.Labels["app"])
	require.Equal(t, "true", created.Labels["dev.chainguard.testcontainers"])
	require.Equal(t, "5b0c3c16-4a2e-4d57-9c59-0f1f4e1f0c2a", created.Labels["dev.chainguard.testcontainers.SessionId"])

	require.NotContains(t, in.Labels, "dev.chainguard.testcontainers", "caller's labels are not mutated")
}

func TestResolveCreatesOnce(t *testing.T) {
	f := runtimetest.New()
	f.CreateNetHook = func(*runtime.NetworkRequest) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	res := NewResolver(f, nil)
	n := New(nil)

	g, ctx := errgroup.WithContext(t.Context())
	for range 8 {
		g.Go(func() error {
			got, err := res.Resolve(ctx, n)
			if err == nil && got.ID == "" {
				t.Error("resolved network has no id")
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, f.Calls("CreateNetwork"))
}

func TestResolveExisting(t *testing.T) {
	f := runtimetest.New()
	id, err := f.CreateNetwork(t.Context(), &runtime.NetworkRequest{Name: "shared"})
	require.NoError(t, err)

	rp := &fakeReaper{}
	n, err := NewResolver(f, rp).Resolve(t.Context(), Network{Name: "shared"})
	require.NoError(t, err)
	require.Equal(t, id, n.ID)
	require.Equal(t, 1, f.Calls("CreateNetwork"))
	require.Zero(t, rp.started.Load())
}

func TestRemove(t *testing.T) {
	f := runtimetest.New()
	res := NewResolver(f, nil)

	require.NoError(t, res.Remove(t.Context(), Network{Name: "never-created"}))
	require.Zero(t, f.Calls("RemoveNetwork"))

	n, err := res.Resolve(t.Context(), New(nil))
	require.NoError(t, err)
	require.NoError(t, res.Remove(t.Context(), n))
	_, ok := f.Network(n.ID)
	require.False(t, ok)
}
