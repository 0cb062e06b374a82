package container

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/network"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/startup"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/docker/go-connections/nat"
)

type AccessMode string

const (
	ReadWrite AccessMode = "rw"
	ReadOnly  AccessMode = "ro"
)

// Bind mounts a host path into the container.
type Bind struct {
	HostPath      string
	ContainerPath string
	Mode          AccessMode
}

// Hook runs at a fixed point of the container lifecycle. Returning an error
// aborts the operation in progress.
type Hook func(ctx context.Context, c *Container) error

type Hooks struct {
	// Starting runs after Configure and before the container is created.
	Starting Hook
	// Started runs once the container process is running.
	Started Hook
	// ServiceStarted runs once the wait strategy succeeded.
	ServiceStarted Hook
	Stopping       Hook
	Stopped        Hook
}

// Spec is the desired configuration of a container. It is copied into the
// Container at construction and can only change until the container has an
// id.
type Spec struct {
	Name  string
	Image string

	// ExposedPorts are published on random host ports.
	ExposedPorts []int
	// PortBindings pins container ports to fixed host ports.
	PortBindings map[int]int

	Env        map[string]string
	Labels     map[string]string
	Binds      []Bind
	WorkingDir string
	Cmd        []string
	Privileged bool
	AutoRemove bool

	Network        *network.Network
	NetworkAliases []string

	Startup     startup.Strategy
	Wait        wait.Strategy
	StopTimeout time.Duration

	// Configure runs once before creation and may fill in defaults such as a
	// service's standard port and credentials. It must not do I/O.
	Configure func(*Spec)

	Hooks Hooks
}

func (s *Spec) clone() Spec {
	out := *s
	out.ExposedPorts = slices.Clone(s.ExposedPorts)
	out.PortBindings = maps.Clone(s.PortBindings)
	out.Env = maps.Clone(s.Env)
	out.Labels = maps.Clone(s.Labels)
	out.Binds = slices.Clone(s.Binds)
	out.Cmd = slices.Clone(s.Cmd)
	out.NetworkAliases = slices.Clone(s.NetworkAliases)
	if s.Network != nil {
		n := *s.Network
		n.Labels = maps.Clone(n.Labels)
		out.Network = &n
	}
	return out
}

// ports returns every exposed or bound container port, sorted.
func (s *Spec) ports() []int {
	set := make(map[int]struct{}, len(s.ExposedPorts)+len(s.PortBindings))
	for _, p := range s.ExposedPorts {
		set[p] = struct{}{}
	}
	for p := range s.PortBindings {
		set[p] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func portKey(p int) nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", p))
}

// request renders the create call for an already resolved image and
// network. extraLabels win over the spec's own labels.
func (s *Spec) request(image, networkName string, extraLabels map[string]string) *runtime.CreateRequest {
	env := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}

	labels := maps.Clone(s.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	maps.Copy(labels, extraLabels)

	exposed := make(nat.PortSet)
	for _, p := range s.ports() {
		exposed[portKey(p)] = struct{}{}
	}

	bindings := make(nat.PortMap, len(s.PortBindings))
	for cport, hport := range s.PortBindings {
		bindings[portKey(cport)] = []nat.PortBinding{{HostPort: strconv.Itoa(hport)}}
	}

	mounts := make([]runtime.Mount, 0, len(s.Binds))
	for _, b := range s.Binds {
		mounts = append(mounts, runtime.Mount{
			Source:   b.HostPath,
			Target:   b.ContainerPath,
			ReadOnly: b.Mode == ReadOnly,
		})
	}

	req := &runtime.CreateRequest{
		Name:         s.Name,
		Image:        image,
		Cmd:          s.Cmd,
		Env:          env,
		Labels:       labels,
		WorkingDir:   s.WorkingDir,
		ExposedPorts: exposed,
		PortBindings: bindings,
		PublishAll:   true,
		Mounts:       mounts,
		Privileged:   s.Privileged,
		AutoRemove:   s.AutoRemove,
	}
	if networkName != "" {
		req.Network = networkName
		req.NetworkAliases = s.NetworkAliases
	}
	return req
}
