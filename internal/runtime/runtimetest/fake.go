// Package runtimetest provides an in-memory runtime.Client for tests.
package runtimetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/runtime"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"
)

const DefaultGateway = "172.17.0.1"

type Container struct {
	Request runtime.CreateRequest
	Inspect runtime.Inspect
	Logs    string
	Started bool
	Stopped bool
	Removed bool
}

// Fake is a concurrency-safe runtime.Client. Hooks, when set, override the
// default behavior of the matching method.
type Fake struct {
	Endpoint string

	// PullDelay stalls every pull, widening race windows in tests.
	PullDelay time.Duration

	PingErr       func() error
	StartErr      func(id string) error
	InspectHook   func(id string, call int, in *runtime.Inspect) (*runtime.Inspect, error)
	ExecHook      func(id string, cmd []string) (*runtime.ExecResult, error)
	CreateNetHook func(req *runtime.NetworkRequest) error

	mu         sync.Mutex
	calls      map[string]int
	next       int
	nextPort   int
	images     map[string]string
	networks   map[string]runtime.NetworkSummary
	containers map[string]*Container
	removed    []string
}

var _ runtime.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Endpoint:   "unix:///var/run/docker.sock",
		calls:      make(map[string]int),
		nextPort:   49152,
		images:     make(map[string]string),
		networks:   make(map[string]runtime.NetworkSummary),
		containers: make(map[string]*Container),
	}
}

// Calls reports how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls reports the number of calls across every method.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) record(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.calls[method]
}

func (f *Fake) id(prefix string) string {
	f.next++
	return fmt.Sprintf("%s%04d", prefix, f.next)
}

// AddImage seeds a locally present image.
func (f *Fake) AddImage(ref, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = id
}

// Container returns the state of a created container.
func (f *Fake) Container(id string) (*Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return c, ok
}

// ContainerIDs lists every container ever created, in creation order.
func (f *Fake) ContainerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for i := 1; i <= f.next; i++ {
		id := fmt.Sprintf("c%04d", i)
		if _, ok := f.containers[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetLogs sets the log output of a container.
func (f *Fake) SetLogs(id, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Logs = logs
	}
}

// RemovedImages lists images passed to RemoveImage.
func (f *Fake) RemovedImages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *Fake) Ping(context.Context) error {
	f.record("Ping")
	if f.PingErr != nil {
		return f.PingErr()
	}
	return nil
}

func (f *Fake) Host() string { return f.Endpoint }

func (f *Fake) Close() error {
	f.record("Close")
	return nil
}

func (f *Fake) CreateContainer(_ context.Context, req *runtime.CreateRequest) (string, error) {
	f.record("CreateContainer")

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.id("c")
	ports := make(nat.PortMap)
	for port, bindings := range req.PortBindings {
		ports[port] = append([]nat.PortBinding(nil), bindings...)
	}
	if req.PublishAll {
		for port := range req.ExposedPorts {
			if len(ports[port]) > 0 && ports[port][0].HostPort != "" {
				continue
			}
			ports[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(f.nextPort)}}
			f.nextPort++
		}
	}

	networks := map[string]string{"bridge": DefaultGateway}
	if req.Network != "" {
		networks = map[string]string{req.Network: DefaultGateway}
	}

	f.containers[id] = &Container{
		Request: *req,
		Inspect: runtime.Inspect{
			ID:       id,
			Name:     strings.TrimPrefix(req.Name, "/"),
			State:    runtime.State{Status: "created"},
			Ports:    ports,
			Gateway:  DefaultGateway,
			Networks: networks,
		},
	}
	return id, nil
}

func (f *Fake) StartContainer(_ context.Context, id string) error {
	f.record("StartContainer")
	if f.StartErr != nil {
		if err := f.StartErr(id); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	c.Started = true
	c.Inspect.State = runtime.State{Status: "running", Running: true}
	return nil
}

func (f *Fake) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.record("StopContainer")

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	c.Stopped = true
	c.Inspect.State = runtime.State{Status: "exited", FinishedAt: time.Now()}
	if c.Request.AutoRemove {
		c.Removed = true
	}
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string) error {
	f.record("RemoveContainer")

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.Removed {
		return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	c.Removed = true
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (*runtime.Inspect, error) {
	call := f.record("InspectContainer")

	f.mu.Lock()
	c, ok := f.containers[id]
	var snap runtime.Inspect
	if ok {
		snap = c.Inspect
	}
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	if f.InspectHook != nil {
		return f.InspectHook(id, call, &snap)
	}
	return &snap, nil
}

func (f *Fake) Exec(_ context.Context, id string, cmd []string) (*runtime.ExecResult, error) {
	f.record("Exec")
	if f.ExecHook != nil {
		return f.ExecHook(id, cmd)
	}
	return &runtime.ExecResult{Stdout: strings.Join(cmd, " ") + "\n"}, nil
}

func (f *Fake) ContainerLogs(_ context.Context, id string) (string, error) {
	f.record("ContainerLogs")

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
	}
	return c.Logs, nil
}

func (f *Fake) ListImages(context.Context) ([]runtime.ImageSummary, error) {
	f.record("ListImages")

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.ImageSummary, 0, len(f.images))
	for ref, id := range f.images {
		out = append(out, runtime.ImageSummary{ID: id, RepoTags: []string{ref}})
	}
	return out, nil
}

func (f *Fake) PullImage(ctx context.Context, name, tag string) error {
	f.record("PullImage")

	if f.PullDelay > 0 {
		select {
		case <-time.After(f.PullDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[name+":"+tag] = f.id("sha256:")
	return nil
}

func (f *Fake) InspectImage(_ context.Context, ref string) (string, error) {
	f.record("InspectImage")

	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.images[ref]
	if !ok {
		return "", fmt.Errorf("no such image %s: %w", ref, cerrdefs.ErrNotFound)
	}
	return id, nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.record("RemoveImage")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	if _, ok := f.images[ref]; !ok {
		return fmt.Errorf("no such image %s: %w", ref, cerrdefs.ErrNotFound)
	}
	delete(f.images, ref)
	return nil
}

func (f *Fake) ListNetworks(context.Context) ([]runtime.NetworkSummary, error) {
	f.record("ListNetworks")

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.NetworkSummary, 0, len(f.networks))
	for _, n := range f.networks {
		out = append(out, n)
	}
	return out, nil
}

func (f *Fake) CreateNetwork(_ context.Context, req *runtime.NetworkRequest) (string, error) {
	f.record("CreateNetwork")
	if f.CreateNetHook != nil {
		if err := f.CreateNetHook(req); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.networks {
		if n.Name == req.Name {
			return "", fmt.Errorf("network with name %s already exists", req.Name)
		}
	}
	id := f.id("n")
	f.networks[id] = runtime.NetworkSummary{ID: id, Name: req.Name, Labels: req.Labels}
	return id, nil
}

func (f *Fake) RemoveNetwork(_ context.Context, id string) error {
	f.record("RemoveNetwork")

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[id]; !ok {
		return fmt.Errorf("no such network %s: %w", id, cerrdefs.ErrNotFound)
	}
	delete(f.networks, id)
	return nil
}

// Network returns a created network by id.
func (f *Fake) Network(id string) (runtime.NetworkSummary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[id]
	return n, ok
}
