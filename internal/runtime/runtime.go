// Package runtime is the boundary to the container engine. Everything above
// it talks to a Client; the Docker Engine adapter lives in docker.go and an
// in-memory fake in runtimetest.
package runtime

import (
	"context"
	"time"

	"github.com/docker/go-connections/nat"
)

type Client interface {
	// Ping issues a cheap liveness call against the daemon.
	Ping(ctx context.Context) error
	// Host is the endpoint the client talks to, e.g. unix:///var/run/docker.sock.
	Host() string

	CreateContainer(ctx context.Context, req *CreateRequest) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (*Inspect, error)
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)
	// ContainerLogs returns the combined stdout and stderr written so far.
	ContainerLogs(ctx context.Context, id string) (string, error)

	ListImages(ctx context.Context) ([]ImageSummary, error)
	PullImage(ctx context.Context, name, tag string) error
	// InspectImage returns the local id of ref.
	InspectImage(ctx context.Context, ref string) (string, error)
	RemoveImage(ctx context.Context, ref string) error

	ListNetworks(ctx context.Context) ([]NetworkSummary, error)
	CreateNetwork(ctx context.Context, req *NetworkRequest) (string, error)
	RemoveNetwork(ctx context.Context, id string) error

	Close() error
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type CreateRequest struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	Labels       map[string]string
	WorkingDir   string
	ExposedPorts nat.PortSet
	PortBindings nat.PortMap
	// PublishAll binds every exposed port to a random host port.
	PublishAll bool
	Mounts     []Mount
	Privileged bool
	AutoRemove bool

	Network        string
	NetworkAliases []string
}

type State struct {
	Status   string
	Running  bool
	ExitCode int
	// FinishedAt is zero while the container has never exited.
	FinishedAt time.Time
}

// Inspect is a snapshot of a container as reported by the daemon.
type Inspect struct {
	ID    string
	Name  string
	State State
	Ports nat.PortMap
	// Gateway of the default bridge, if attached to it.
	Gateway string
	// Networks maps an attached network name to its gateway.
	Networks map[string]string
}

// GatewayFor returns the gateway the container sees on network, falling back
// to the default bridge gateway and then to any attached network.
func (i *Inspect) GatewayFor(network string) string {
	if gw := i.Networks[network]; network != "" && gw != "" {
		return gw
	}
	if i.Gateway != "" {
		return i.Gateway
	}
	for _, gw := range i.Networks {
		if gw != "" {
			return gw
		}
	}
	return ""
}

type ImageSummary struct {
	ID       string
	RepoTags []string
}

type NetworkSummary struct {
	ID     string
	Name   string
	Labels map[string]string
}

type NetworkRequest struct {
	Name   string
	Driver string
	Labels map[string]string
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout followed by stderr.
func (r *ExecResult) Combined() string {
	return r.Stdout + r.Stderr
}
