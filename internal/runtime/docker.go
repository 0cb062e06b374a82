package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/cli/cli/connhelper"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/util/wait"
)

var defaultSSHArgs = []string{"-o", "StrictHostKeyChecking=no"}

// Docker is a Client backed by the Docker Engine API.
type Docker struct {
	inner *client.Client
	// host is the endpoint the caller asked for. The engine client only
	// knows a placeholder for endpoints reached through a connection helper.
	host     string
	copts    []client.Opt
	keychain authn.Keychain
}

var _ Client = (*Docker)(nil)

// NewDocker connects to host. An empty host defers to DOCKER_HOST and the
// client library defaults; ssh:// hosts are dialed through the docker CLI
// connection helper.
func NewDocker(host string, opts ...DockerOption) (*Docker, error) {
	d := &Docker{
		host:     host,
		keychain: authn.DefaultKeychain,
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if d.inner != nil {
		return d, nil
	}

	copts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithVersionFromEnv(),
		client.WithTLSClientConfigFromEnv(),
	}
	switch {
	case host == "":
		copts = append(copts, client.WithHostFromEnv())
	case strings.HasPrefix(host, "ssh://"):
		helper, err := connhelper.GetConnectionHelperWithSSHOpts(host, defaultSSHArgs)
		if err != nil {
			return nil, fmt.Errorf("creating docker SSH connection helper: %w", err)
		}
		copts = append(copts,
			client.WithHost(helper.Host),
			client.WithDialContext(helper.Dialer),
		)
	default:
		copts = append(copts, client.WithHost(host))
	}
	copts = append(copts, d.copts...)

	cli, err := client.NewClientWithOpts(copts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	d.inner = cli

	return d, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.inner.Ping(ctx)
	return err
}

func (d *Docker) Host() string {
	if d.host != "" {
		return d.host
	}
	return d.inner.DaemonHost()
}

func (d *Docker) Close() error {
	return d.inner.Close()
}

func (d *Docker) CreateContainer(ctx context.Context, req *CreateRequest) (string, error) {
	if req.Image == "" {
		return "", fmt.Errorf("no image provided")
	}

	exposed := make(nat.PortSet, len(req.ExposedPorts)+len(req.PortBindings))
	for port := range req.ExposedPorts {
		exposed[port] = struct{}{}
	}
	for port := range req.PortBindings {
		exposed[port] = struct{}{}
	}

	mounts := make([]mount.Mount, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hcfg := &container.HostConfig{
		Privileged: req.Privileged,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		Mounts:          mounts,
		PortBindings:    req.PortBindings,
		PublishAllPorts: req.PublishAll,
		AutoRemove:      req.AutoRemove,
	}

	ncfg := &network.NetworkingConfig{}
	if req.Network != "" {
		hcfg.NetworkMode = container.NetworkMode(req.Network)
		ncfg.EndpointsConfig = map[string]*network.EndpointSettings{
			req.Network: {Aliases: req.NetworkAliases},
		}
	}

	resp, err := d.inner.ContainerCreate(ctx,
		&container.Config{
			Image:        req.Image,
			Env:          req.Env,
			Cmd:          req.Cmd,
			WorkingDir:   req.WorkingDir,
			Labels:       req.Labels,
			ExposedPorts: exposed,
			AttachStdout: true,
			AttachStderr: true,
		},
		hcfg, ncfg, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if resp.ID == "" {
		return "", fmt.Errorf("failed to create container, ID is empty")
	}

	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	if err := d.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	if err := d.inner.ContainerRemove(ctx, id, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (*Inspect, error) {
	resp, err := d.inner.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", id, err)
	}
	return inspectFromDocker(resp), nil
}

func inspectFromDocker(resp container.InspectResponse) *Inspect {
	out := &Inspect{
		Networks: make(map[string]string),
	}

	if resp.ContainerJSONBase != nil {
		out.ID = resp.ID
		// Names start with a leading "/", so remove it
		out.Name = strings.TrimPrefix(resp.Name, "/")

		if st := resp.State; st != nil {
			out.State = State{
				Status:   string(st.Status),
				Running:  st.Running,
				ExitCode: st.ExitCode,
			}
			// The daemon reports 0001-01-01T00:00:00Z until the container exits.
			if t, err := time.Parse(time.RFC3339Nano, st.FinishedAt); err == nil && !t.IsZero() {
				out.State.FinishedAt = t
			}
		}
	}

	if ns := resp.NetworkSettings; ns != nil {
		out.Ports = ns.Ports
		out.Gateway = ns.Gateway
		for name, ep := range ns.Networks {
			if ep != nil {
				out.Networks[name] = ep.Gateway
			}
		}
	}

	return out
}

func (d *Docker) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	resp, err := d.inner.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStderr: true,
		AttachStdout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	if resp.ID == "" {
		return nil, fmt.Errorf("exec ID is empty")
	}

	attach, err := d.inner.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled while waiting for command to finish: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	}

	exec, err := d.inner.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	return &ExecResult{
		ExitCode: exec.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (d *Docker) ContainerLogs(ctx context.Context, id string) (string, error) {
	logs, err := d.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("getting logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return buf.String(), fmt.Errorf("copying logs: %w", err)
	}
	return buf.String(), nil
}

func (d *Docker) ListImages(ctx context.Context) ([]ImageSummary, error) {
	images, err := d.inner.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}

	out := make([]ImageSummary, 0, len(images))
	for _, img := range images {
		out = append(out, ImageSummary{ID: img.ID, RepoTags: img.RepoTags})
	}
	return out, nil
}

// PullImage pulls name:tag, resolving registry credentials from the default
// keychain since the engine client does not do it on its own.
func (d *Docker) PullImage(ctx context.Context, repo, tag string) error {
	ref, err := name.NewTag(fmt.Sprintf("%s:%s", repo, tag))
	if err != nil {
		return fmt.Errorf("parsing image reference: %w", err)
	}

	a, err := d.keychain.Resolve(ref.Context().Registry)
	if err != nil {
		return fmt.Errorf("resolving keychain for registry %s: %w", ref.Context().Registry, err)
	}

	acfg, err := a.Authorization()
	if err != nil {
		return fmt.Errorf("getting authorization for registry %s: %w", ref.Context().Registry, err)
	}

	authdata, err := json.Marshal(registry.AuthConfig{
		Username: acfg.Username,
		Password: acfg.Password,
		Auth:     acfg.Auth,
	})
	if err != nil {
		return fmt.Errorf("marshaling auth data: %w", err)
	}

	pull, err := d.inner.ImagePull(ctx, ref.Name(), image.PullOptions{
		RegistryAuth: base64.URLEncoding.EncodeToString(authdata),
	})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref.Name(), err)
	}
	defer pull.Close()

	// Block until the image is pulled by discarding the reader
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref.Name(), err)
	}

	return nil
}

func (d *Docker) InspectImage(ctx context.Context, ref string) (string, error) {
	resp, err := d.inner.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return resp.ID, nil
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	if _, err := d.inner.ImageRemove(ctx, ref, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	}); err != nil {
		return fmt.Errorf("removing image %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) ListNetworks(ctx context.Context) ([]NetworkSummary, error) {
	nets, err := d.inner.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}

	out := make([]NetworkSummary, 0, len(nets))
	for _, n := range nets {
		out = append(out, NetworkSummary{ID: n.ID, Name: n.Name, Labels: n.Labels})
	}
	return out, nil
}

// CreateNetwork creates a network, retrying with backoff while the daemon
// has no free address pool.
func (d *Docker) CreateNetwork(ctx context.Context, req *NetworkRequest) (string, error) {
	driver := req.Driver
	if driver == "" {
		driver = "bridge"
	}

	var (
		id      string
		lastErr error
	)
	if err := wait.ExponentialBackoffWithContext(ctx, wait.Backoff{
		Duration: 1 * time.Second,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
		Cap:      1 * time.Minute,
	}, func(ctx context.Context) (bool, error) {
		resp, err := d.inner.NetworkCreate(ctx, req.Name, network.CreateOptions{
			Driver: driver,
			Labels: req.Labels,
		})
		if err != nil {
			if isRetryableNetworkCreateError(err) {
				lastErr = err
				return false, nil
			}
			return false, err
		}

		if resp.ID == "" {
			return false, fmt.Errorf("failed to create network: network ID is empty")
		}

		id = resp.ID
		return true, nil
	}); err != nil {
		if lastErr != nil {
			return "", fmt.Errorf("creating network %s: %w: last error: %w", req.Name, err, lastErr)
		}
		return "", fmt.Errorf("creating network %s: %w", req.Name, err)
	}

	return id, nil
}

func (d *Docker) RemoveNetwork(ctx context.Context, id string) error {
	if err := d.inner.NetworkRemove(ctx, id); err != nil {
		return fmt.Errorf("removing network %s: %w", id, err)
	}
	return nil
}

func isRetryableNetworkCreateError(err error) bool {
	return err != nil && strings.Contains(err.Error(),
		"could not find an available, non-overlapping IPv4 address pool among the defaults to assign to the network")
}

// IsNotFound reports whether err is a daemon "no such object" response.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}
