package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/launch"
	"github.com/chainguard-dev/testcontainers/internal/network"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/runtime/runtimetest"
	"github.com/chainguard-dev/testcontainers/internal/startup"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickStartup() startup.Strategy {
	return &startup.IsRunning{Interval: time.Millisecond, Timeout: time.Second}
}

type recordingReaper struct {
	started int
	before  func()
}

func (r *recordingReaper) Start(context.Context) error {
	r.started++
	if r.before != nil {
		r.before()
	}
	return nil
}

func (r *recordingReaper) Labels() map[string]string {
	return map[string]string{
		"dev.chainguard.testcontainers":           "true",
		"dev.chainguard.testcontainers.SessionId": "session-1",
	}
}

func TestStopNeverStarted(t *testing.T) {
	f := runtimetest.New()
	c := New(f, Spec{Image: "redis:7"})

	require.NoError(t, c.Stop(t.Context()))
	require.NoError(t, c.Stop(t.Context()))
	require.Zero(t, f.TotalCalls())
}

func TestMappedPortRoundTrip(t *testing.T) {
	f := runtimetest.New()
	c := New(f, Spec{
		Image:        "postgres:16",
		ExposedPorts: []int{8080},
		PortBindings: map[int]int{5432: 55432},
		Startup:      quickStartup(),
	})

	_, err := c.MappedPort(5432)
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(t.Context()))

	p, err := c.MappedPort(5432)
	require.NoError(t, err)
	require.Equal(t, 55432, p)

	random, err := c.MappedPort(8080)
	require.NoError(t, err)
	require.NotZero(t, random)

	_, err = c.MappedPort(6379)
	require.ErrorIs(t, err, ErrPortNotMapped)
	require.ErrorContains(t, err, "6379/tcp")

	require.Equal(t, []int{5432, 8080}, c.ExposedPorts())
}

func TestHost(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, ".dockerenv")
	missing := filepath.Join(dir, "missing")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	for _, tc := range []struct {
		name     string
		endpoint string
		marker   string
		want     string
	}{
		{"tcp endpoint", "tcp://1.2.3.4:2375", marker, "1.2.3.4"},
		{"unix outside a container", "unix:///var/run/docker.sock", missing, "localhost"},
		{"unix inside a container", "unix:///var/run/docker.sock", marker, "172.17.0.1"},
		{"npipe outside a container", "npipe:////./pipe/docker_engine", missing, "localhost"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := runtimetest.New()
			f.Endpoint = tc.endpoint
			c := New(f, Spec{Image: "redis:7", Startup: quickStartup()}, WithMarkerPath(tc.marker))
			require.NoError(t, c.Start(t.Context()))

			host, err := c.Host(t.Context())
			require.NoError(t, err)
			require.Equal(t, tc.want, host)
		})
	}

	f := runtimetest.New()
	f.Endpoint = "fd://"
	_, err := New(f, Spec{Image: "redis:7"}).Host(t.Context())
	require.ErrorIs(t, err, ErrUnsupportedEndpoint)
}

func TestHostOverSSH(t *testing.T) {
	cli, err := runtime.NewDocker("ssh://builder@10.0.0.7")
	require.NoError(t, err)
	defer cli.Close()

	host, err := New(cli, Spec{Image: "redis:7"}, WithMarkerPath("")).Host(t.Context())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7", host)
}

func TestStartupIsNotReadiness(t *testing.T) {
	f := runtimetest.New()

	attempts := 0
	probe := &wait.Probe{
		Name: "sql",
		Fn: func(context.Context, wait.Target) error {
			attempts++
			if attempts <= 2 {
				return syscall.ECONNREFUSED
			}
			return nil
		},
		Transient: func(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) },
		Timeout:   5 * time.Second,
		Interval:  time.Millisecond,
	}

	c := New(f, Spec{Image: "postgres:16", Startup: quickStartup(), Wait: probe})
	require.NoError(t, c.Start(t.Context()))
	require.Equal(t, 3, attempts)
}

func TestCreateRequest(t *testing.T) {
	f := runtimetest.New()
	rp := &recordingReaper{}
	rp.before = func() { require.Zero(t, f.Calls("CreateContainer"), "reaper starts before any create") }

	c := New(f, Spec{
		Name:       "billing-db",
		Image:      "postgres:16",
		Env:        map[string]string{"POSTGRES_USER": "postgres", "A": "1"},
		Labels:     map[string]string{"app": "billing", "dev.chainguard.testcontainers.SessionId": "spoofed"},
		Binds:      []Bind{{HostPath: "/tmp/init", ContainerPath: "/docker-entrypoint-initdb.d", Mode: ReadOnly}, {HostPath: "/tmp/data", ContainerPath: "/data"}},
		WorkingDir: "/work",
		Cmd:        []string{"postgres", "-c", "fsync=off"},
		Privileged: true,
		Startup:    quickStartup(),
	}, WithReaper(rp))

	require.NoError(t, c.Create(t.Context()))
	require.Equal(t, 1, rp.started)

	created, ok := f.Container(c.ID())
	require.True(t, ok)
	req := created.Request

	assert.Equal(t, "billing-db", req.Name)
	assert.Equal(t, "postgres:16", req.Image)
	assert.Equal(t, []string{"A=1", "POSTGRES_USER=postgres"}, req.Env)
	assert.Equal(t, "billing", req.Labels["app"])
	assert.Equal(t, "session-1", req.Labels["dev.chainguard.testcontainers.SessionId"])
	assert.Equal(t, []runtime.Mount{
		{Source: "/tmp/init", Target: "/docker-entrypoint-initdb.d", ReadOnly: true},
		{Source: "/tmp/data", Target: "/data"},
	}, req.Mounts)
	assert.Equal(t, "/work", req.WorkingDir)
	assert.Equal(t, []string{"postgres", "-c", "fsync=off"}, req.Cmd)
	assert.True(t, req.Privileged)
	assert.True(t, req.PublishAll)
	assert.False(t, created.Started)

	require.ErrorIs(t, c.Update(func(s *Spec) { s.Env["LATE"] = "1" }), ErrFrozen)

	require.NoError(t, c.Start(t.Context()))
	require.Equal(t, 1, f.Calls("CreateContainer"))
}

func TestNetwork(t *testing.T) {
	f := runtimetest.New()
	rp := &recordingReaper{}
	nw := network.New(nil)

	c := New(f, Spec{
		Image:          "redis:7",
		Network:        &nw,
		NetworkAliases: []string{"cache"},
		Startup:        quickStartup(),
	}, WithReaper(rp))
	require.NoError(t, c.Start(t.Context()))

	got := c.Network()
	require.Equal(t, nw.Name, got.Name)
	require.NotEmpty(t, got.ID)

	created, _ := f.Container(c.ID())
	require.Equal(t, nw.Name, created.Request.Network)
	require.Equal(t, []string{"cache"}, created.Request.NetworkAliases)

	n, ok := f.Network(got.ID)
	require.True(t, ok)
	require.Equal(t, "session-1", n.Labels["dev.chainguard.testcontainers.SessionId"])
}

func TestConfigureAndHooks(t *testing.T) {
	f := runtimetest.New()

	var order []string
	hook := func(name string) Hook {
		return func(context.Context, *Container) error {
			order = append(order, name)
			return nil
		}
	}

	configured := 0
	c := New(f, Spec{
		Image: "mysql:8",
		Configure: func(s *Spec) {
			configured++
			order = append(order, "configure")
			s.ExposedPorts = append(s.ExposedPorts, 3306)
			s.Env = map[string]string{"MYSQL_ROOT_PASSWORD": "secret"}
		},
		Startup: quickStartup(),
		Wait: wait.StrategyFunc(func(context.Context, wait.Target) error {
			order = append(order, "wait")
			return nil
		}),
		Hooks: Hooks{
			Starting:       hook("starting"),
			Started:        hook("started"),
			ServiceStarted: hook("service-started"),
			Stopping:       hook("stopping"),
			Stopped:        hook("stopped"),
		},
	})

	c.Configure()
	require.NoError(t, c.Start(t.Context()))
	require.NoError(t, c.Stop(t.Context()))

	require.Equal(t, 1, configured)
	require.Equal(t, []string{"configure", "starting", "started", "wait", "service-started", "stopping", "stopped"}, order)
	require.Equal(t, []int{3306}, c.Spec().ExposedPorts)
}

func TestStopRemoves(t *testing.T) {
	f := runtimetest.New()
	c := New(f, Spec{Image: "redis:7", Startup: quickStartup()})
	require.NoError(t, c.Start(t.Context()))
	id := c.ID()

	require.NoError(t, c.Stop(t.Context()))
	require.Empty(t, c.ID())

	got, _ := f.Container(id)
	require.True(t, got.Stopped)
	require.True(t, got.Removed)
	require.Equal(t, 1, f.Calls("RemoveContainer"))

	require.NoError(t, c.Stop(t.Context()))
	require.Equal(t, 1, f.Calls("StopContainer"))

	require.ErrorIs(t, c.Start(t.Context()), ErrAlreadyStarted)
}

func TestStopAfterFailingHook(t *testing.T) {
	f := runtimetest.New()
	stopped := false
	c := New(f, Spec{
		Image:   "redis:7",
		Startup: quickStartup(),
		Hooks: Hooks{
			Stopping: func(context.Context, *Container) error {
				return errors.New("flush failed")
			},
			Stopped: func(context.Context, *Container) error {
				stopped = true
				return nil
			},
		},
	})
	require.NoError(t, c.Start(t.Context()))
	id := c.ID()

	require.ErrorContains(t, c.Stop(t.Context()), "flush failed")
	require.Empty(t, c.ID())
	require.True(t, stopped)

	got, _ := f.Container(id)
	require.True(t, got.Stopped)
	require.True(t, got.Removed)
}

func TestSpecOwnsNetworkLabels(t *testing.T) {
	nw := network.New(map[string]string{"team": "billing"})
	c := New(runtimetest.New(), Spec{Image: "redis:7", Network: &nw})

	nw.Labels["team"] = "search"
	nw.Labels["extra"] = "1"
	require.Equal(t, map[string]string{"team": "billing"}, c.Spec().Network.Labels)

	c.Spec().Network.Labels["team"] = "search"
	require.Equal(t, map[string]string{"team": "billing"}, c.Spec().Network.Labels)
}

func TestStopSkipsRemoveForAutoRemove(t *testing.T) {
	f := runtimetest.New()
	c := New(f, Spec{Image: "redis:7", AutoRemove: true, Startup: quickStartup()})
	require.NoError(t, c.Start(t.Context()))

	require.NoError(t, c.Stop(t.Context()))
	require.Equal(t, 1, f.Calls("StopContainer"))
	require.Zero(t, f.Calls("RemoveContainer"))
}

func TestStartFailureEmitsLogs(t *testing.T) {
	f := runtimetest.New()
	dir := t.TempDir()

	c := New(f, Spec{
		Image:   "postgres:16",
		Startup: quickStartup(),
		Hooks: Hooks{Started: func(ctx context.Context, c *Container) error {
			f.SetLogs(c.ID(), "FATAL: data directory has wrong ownership")
			return nil
		}},
		Wait: &wait.Probe{
			Fn:       func(context.Context, wait.Target) error { return syscall.ECONNREFUSED },
			Timeout:  20 * time.Millisecond,
			Interval: time.Millisecond,
		},
	}, WithLogsDir(dir))

	err := c.Start(t.Context())
	require.True(t, launch.Is(err))
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.Equal(t, 1, f.Calls("ContainerLogs"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "wrong ownership"))
}

func TestStartRuntimeFailure(t *testing.T) {
	f := runtimetest.New()
	f.StartErr = func(string) error { return errors.New("port is already allocated") }

	c := New(f, Spec{Image: "redis:7", Startup: quickStartup()})
	err := c.Start(t.Context())
	require.True(t, launch.Is(err))
	require.ErrorContains(t, err, "port is already allocated")
	require.Zero(t, f.Calls("InspectContainer"))
	require.Equal(t, 1, f.Calls("ContainerLogs"))
}

func TestStartCanceled(t *testing.T) {
	f := runtimetest.New()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	c := New(f, Spec{Image: "redis:7"})
	require.ErrorIs(t, c.Start(ctx), context.Canceled)
	require.Zero(t, f.TotalCalls())
	require.Empty(t, c.ID())
}

func TestExec(t *testing.T) {
	f := runtimetest.New()
	f.ExecHook = func(_ string, cmd []string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{Stdout: "PONG\n", Stderr: "warning\n"}, nil
	}

	c := New(f, Spec{Image: "redis:7", Startup: quickStartup()})
	_, err := c.Exec(t.Context(), "redis-cli", "ping")
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(t.Context()))
	res, err := c.Exec(t.Context(), "redis-cli", "ping")
	require.NoError(t, err)
	require.Equal(t, "PONG\nwarning\n", res.Combined())
}
