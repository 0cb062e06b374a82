package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectFromDocker(t *testing.T) {
	resp := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   "abc",
			Name: "/eager_turing",
			State: &container.State{
				Status:     "running",
				Running:    true,
				FinishedAt: "0001-01-01T00:00:00Z",
			},
		},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					"5432/tcp": {{HostIP: "0.0.0.0", HostPort: "49153"}},
				},
			},
			DefaultNetworkSettings: container.DefaultNetworkSettings{
				Gateway: "172.17.0.1",
			},
			Networks: map[string]*network.EndpointSettings{
				"bridge":           {Gateway: "172.17.0.1"},
				"testcontainers-x": {Gateway: "172.30.0.1"},
			},
		},
	}

	got := inspectFromDocker(resp)
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, "eager_turing", got.Name)
	assert.True(t, got.State.Running)
	assert.True(t, got.State.FinishedAt.IsZero())
	assert.Equal(t, "49153", got.Ports["5432/tcp"][0].HostPort)
	assert.Equal(t, "172.30.0.1", got.GatewayFor("testcontainers-x"))
	assert.Equal(t, "172.17.0.1", got.GatewayFor(""))
}

func TestInspectFromDockerExited(t *testing.T) {
	resp := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{
				Status:     "exited",
				ExitCode:   3,
				FinishedAt: "2026-05-01T10:00:00.123456789Z",
			},
		},
	}

	got := inspectFromDocker(resp)
	assert.False(t, got.State.Running)
	assert.Equal(t, 3, got.State.ExitCode)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.UTC), got.State.FinishedAt)
}

func TestGatewayForFallsBackToAnyNetwork(t *testing.T) {
	i := &Inspect{Networks: map[string]string{"custom": "10.0.0.1"}}
	assert.Equal(t, "10.0.0.1", i.GatewayFor("other"))
	assert.Empty(t, (&Inspect{}).GatewayFor(""))
}

func TestIsRetryableNetworkCreateError(t *testing.T) {
	assert.True(t, isRetryableNetworkCreateError(errors.New(
		"Error response from daemon: could not find an available, non-overlapping IPv4 address pool among the defaults to assign to the network")))
	assert.False(t, isRetryableNetworkCreateError(errors.New("network with name x already exists")))
	assert.False(t, isRetryableNetworkCreateError(nil))
}

func TestDockerHost(t *testing.T) {
	for _, host := range []string{
		"ssh://user@10.1.2.3",
		"tcp://10.0.0.1:2375",
		"unix:///var/run/docker.sock",
	} {
		t.Run(host, func(t *testing.T) {
			d, err := NewDocker(host)
			require.NoError(t, err)
			defer d.Close()
			require.Equal(t, host, d.Host())
		})
	}
}

func TestDocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	ctx := t.Context()

	d, err := NewDocker("")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Ping(ctx))

	nid, err := d.CreateNetwork(ctx, &NetworkRequest{Name: uuid.NewString()})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.RemoveNetwork(ctx, nid)) }()

	require.NoError(t, d.PullImage(ctx, "cgr.dev/chainguard/wolfi-base", "latest"))
	imageID, err := d.InspectImage(ctx, "cgr.dev/chainguard/wolfi-base:latest")
	require.NoError(t, err)
	require.NotEmpty(t, imageID)

	id, err := d.CreateContainer(ctx, &CreateRequest{
		Image:        "cgr.dev/chainguard/wolfi-base:latest",
		Cmd:          []string{"sh", "-c", "echo hello; sleep inf"},
		ExposedPorts: nat.PortSet{"8080/tcp": {}},
		PublishAll:   true,
		Network:      nid,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.RemoveContainer(ctx, id)) }()

	require.NoError(t, d.StartContainer(ctx, id))

	inspect, err := d.InspectContainer(ctx, id)
	require.NoError(t, err)
	require.True(t, inspect.State.Running)
	require.NotEmpty(t, inspect.Ports["8080/tcp"])

	res, err := d.Exec(ctx, id, []string{"sh", "-c", "echo out; echo err >&2; exit 2"})
	require.NoError(t, err)
	require.Equal(t, 2, res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)

	require.Eventually(t, func() bool {
		logs, err := d.ContainerLogs(ctx, id)
		return err == nil && logs == "hello\n"
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, d.StopContainer(ctx, id, 0))
}
