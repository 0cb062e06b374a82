package reaper

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/runtime/runtimetest"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// sidecar speaks the reaper control protocol on a local listener.
type sidecar struct {
	ln net.Listener

	mu     sync.Mutex
	lines  []string
	conns  int
	closes int
	open   []net.Conn
}

func newSidecar(t *testing.T) *sidecar {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &sidecar{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *sidecar) serve(conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.open = append(s.open, conn)
	s.mu.Unlock()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		s.mu.Lock()
		s.lines = append(s.lines, sc.Text())
		s.mu.Unlock()
		if _, err := conn.Write([]byte("ACK\n")); err != nil {
			break
		}
	}

	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

// DialContext ignores addr; the fake runtime maps ports to made-up numbers.
func (s *sidecar) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, s.ln.Addr().String())
	if err == nil {
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
	}
	return conn, err
}

// dropAll closes every accepted connection from the sidecar's side.
func (s *sidecar) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.open {
		conn.Close()
	}
	s.open = nil
}

func (s *sidecar) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lines)
}

func (s *sidecar) counts() (conns, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns, s.closes
}

func newReaper(t *testing.T, f *runtimetest.Fake, opts ...Option) *Reaper {
	r := New(f, append([]Option{WithMarkerPath(""), WithoutSignalHandling()}, opts...)...)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestLabelsFilter(t *testing.T) {
	require.Equal(t,
		"label=a=1&label=b=2",
		LabelsFilter(map[string]string{"b": "2", "a": "1"}))

	r := New(runtimetest.New(), WithSessionID("5b0c3c16"))
	require.Equal(t,
		"label=dev.chainguard.testcontainers=true&label=dev.chainguard.testcontainers.SessionId=5b0c3c16",
		LabelsFilter(r.Labels()))
}

func TestStartBackstop(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc))

	require.NoError(t, r.RegisterFilter("label=app=early"))
	require.NoError(t, r.Start(t.Context()))
	require.Equal(t, Connected, r.State())
	require.Empty(t, r.Pending())

	got := sc.received()
	require.Equal(t, []string{LabelsFilter(r.Labels()), "label=app=early"}, got, "session filter goes first")

	require.NoError(t, r.ExitHook(t.Context()))
	require.Eventually(t, func() bool {
		conns, closes := sc.counts()
		return conns == closes
	}, 5*time.Second, 10*time.Millisecond, "exit closes the connection so the sidecar starts reaping")
}

func TestSidecarSpec(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc), WithImage("registry.local/ryuk:dev"))

	require.NoError(t, r.Start(t.Context()))

	id := r.SidecarID()
	require.NotEmpty(t, id)
	c, ok := f.Container(id)
	require.True(t, ok)

	req := c.Request
	assert.Equal(t, "registry.local/ryuk:dev", req.Image)
	assert.True(t, req.AutoRemove)
	assert.Contains(t, req.ExposedPorts, nat.Port("8080/tcp"))
	assert.Equal(t, []runtime.Mount{{Source: dockerSocket, Target: dockerSocket, ReadOnly: true}}, req.Mounts)
	assert.NotContains(t, req.Labels, SessionLabel, "the sidecar must not reap itself")
}

func TestStoppingSidecarDropsConnection(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc))

	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.sidecar.Stop(t.Context()))

	require.Eventually(t, func() bool {
		conns, closes := sc.counts()
		return conns == closes
	}, 5*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Nil(t, r.conn)
}

func TestStartOnce(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc))

	g, ctx := errgroup.WithContext(t.Context())
	for range 8 {
		g.Go(func() error { return r.Start(ctx) })
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, f.Calls("CreateContainer"))
	require.Equal(t, []string{LabelsFilter(r.Labels())}, sc.received())
}

func TestReconnectAfterKill(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc))

	require.NoError(t, r.Start(t.Context()))
	require.True(t, r.IsConnected(t.Context()))

	r.KillConnection()
	require.NoError(t, r.RegisterFilter("label=app=billing"))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
	require.True(t, r.IsConnected(ctx))

	// One readiness check, the first session connection and the reconnect.
	conns, _ := sc.counts()
	require.GreaterOrEqual(t, conns, 3)
	require.Contains(t, sc.received(), "label=app=billing")
}

func TestKillConnectionRedials(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc))

	require.NoError(t, r.Start(t.Context()))
	require.True(t, r.IsConnected(t.Context()))
	before, _ := sc.counts()

	r.KillConnection()

	require.Eventually(t, func() bool {
		conns, _ := sc.counts()
		return conns > before && r.State() == Connected
	}, 5*time.Second, 10*time.Millisecond, "the connector redials without further registrations")
	require.True(t, r.IsConnected(t.Context()))
}

func TestSidecarDropIsNoticed(t *testing.T) {
	f := runtimetest.New()
	sc := newSidecar(t)
	r := newReaper(t, f, WithDialer(sc))
	r.recheck = 100 * time.Millisecond

	require.NoError(t, r.Start(t.Context()))
	before, _ := sc.counts()

	sc.dropAll()

	require.Eventually(t, func() bool {
		conns, _ := sc.counts()
		return conns > before && r.State() == Connected
	}, 5*time.Second, 10*time.Millisecond, "a connection closed by the sidecar is replaced")

	require.NoError(t, r.RegisterFilter("label=app=after-drop"))
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
	require.Contains(t, sc.received(), "label=app=after-drop")
}

func TestUnreachableSidecarQueues(t *testing.T) {
	f := runtimetest.New()
	var dials int
	var mu sync.Mutex
	r := newReaper(t, f, WithDialer(dialFunc(func(context.Context, string, string) (net.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})))

	r.mu.Lock()
	r.addr = "127.0.0.1:1"
	r.state = Starting
	r.mu.Unlock()

	require.NoError(t, r.RegisterFilter("label=app=orphan"))
	r.connector.Notify()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2
	}, 5*time.Second, 10*time.Millisecond, "dial is retried")
	require.Equal(t, Reconnecting, r.State())
	require.Equal(t, []string{"label=app=orphan"}, r.Pending())

	require.NoError(t, r.Close())
	require.Equal(t, Disposed, r.State())
	require.ErrorIs(t, r.RegisterFilter("label=late=1"), ErrDisposed)
	require.ErrorIs(t, r.Start(t.Context()), ErrDisposed)
}

func TestExitHookRemovesImages(t *testing.T) {
	f := runtimetest.New()
	f.AddImage("app:build-1", "sha256:app")
	r := newReaper(t, f)

	r.RegisterImageForCleanup("app:build-1")
	r.RegisterImageForCleanup("app:build-1")
	r.RegisterImageForCleanup("gone:1")

	require.NoError(t, r.ExitHook(t.Context()))
	require.ElementsMatch(t, []string{"app:build-1", "gone:1"}, f.RemovedImages())

	require.NoError(t, r.ExitHook(t.Context()))
	require.Len(t, f.RemovedImages(), 2, "exit hook runs once")
}

func TestDeliver(t *testing.T) {
	for _, tc := range []struct {
		name    string
		reply   string
		wantErr error
	}{
		{"ack", "ACK\n", nil},
		{"ack after noise", "working\nack\n", nil},
		{"closed before ack", "working\n", io.EOF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()

			go func() {
				defer server.Close()
				line, _ := bufio.NewReader(server).ReadString('\n')
				if line != "label=a=1\n" {
					return
				}
				_, _ = server.Write([]byte(tc.reply))
			}()

			rw := bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client))
			err := deliver(t.Context(), client, rw, "label=a=1")
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}
