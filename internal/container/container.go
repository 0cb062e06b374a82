// Package container runs a single throwaway container through its lifecycle:
// configure, resolve image and network, create, start, wait until the
// process runs, wait until the service is ready, and finally stop.
package container

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/image"
	"github.com/chainguard-dev/testcontainers/internal/launch"
	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/network"
	"github.com/chainguard-dev/testcontainers/internal/o11y"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/startup"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

var (
	ErrNotStarted          = errors.New("container must be started first")
	ErrPortNotMapped       = errors.New("port is not mapped")
	ErrFrozen              = errors.New("container spec cannot change once the container is created")
	ErrAlreadyStarted      = errors.New("container was already started")
	ErrUnsupportedEndpoint = errors.New("unsupported runtime endpoint")
)

const defaultStopTimeout = 10 * time.Second

// Reaper labels resources for cleanup. It is started before the first
// container is created.
type Reaper interface {
	Start(ctx context.Context) error
	Labels() map[string]string
}

type Container struct {
	cli        runtime.Client
	images     *image.Resolver
	networks   *network.Resolver
	reaper     Reaper
	markerPath string
	logsDir    string

	// lifecycle serializes Create, Start and Stop. mu guards the fields
	// below and is never held across I/O.
	lifecycle sync.Mutex
	mu        sync.Mutex

	spec       Spec
	configured bool
	image      image.Ref
	network    network.Network
	id         string
	name       string
	inspect    *runtime.Inspect
	retired    bool
}

var _ wait.Target = (*Container)(nil)

// New returns a Container for spec. Nothing talks to the runtime until
// Create or Start.
func New(cli runtime.Client, spec Spec, opts ...Option) *Container {
	c := &Container{
		cli:        cli,
		spec:       spec.clone(),
		markerPath: "/.dockerenv",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.images == nil {
		c.images = image.NewResolver(cli)
	}
	if c.networks == nil {
		c.networks = network.NewResolver(cli, c.reaper)
	}
	if c.spec.Startup == nil {
		c.spec.Startup = startup.Default()
	}
	if c.spec.Wait == nil {
		c.spec.Wait = wait.None()
	}
	if c.spec.StopTimeout == 0 {
		c.spec.StopTimeout = defaultStopTimeout
	}
	return c
}

// Update changes the spec. It fails with ErrFrozen once the container has an
// id.
func (c *Container) Update(fn func(*Spec)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id != "" || c.retired {
		return ErrFrozen
	}
	fn(&c.spec)
	return nil
}

// Spec returns a copy of the current spec.
func (c *Container) Spec() Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.clone()
}

// Configure runs the spec's Configure hook. Only the first call has an
// effect.
func (c *Container) Configure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.configured {
		return
	}
	c.configured = true
	if c.spec.Configure != nil {
		c.spec.Configure(&c.spec)
	}
}

func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Container) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Image returns the resolved image reference.
func (c *Container) Image() image.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image
}

// Network returns the resolved network, if the spec named one.
func (c *Container) Network() network.Network {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.network
}

// Inspect returns the snapshot taken right after the container started.
func (c *Container) Inspect() (*runtime.Inspect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inspect == nil {
		return nil, ErrNotStarted
	}
	return c.inspect, nil
}

func (c *Container) ExposedPorts() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.ports()
}

// Create resolves the image and network and creates the container without
// starting it.
func (c *Container) Create(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.create(ctx)
}

func (c *Container) create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.retired:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case c.id != "":
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.Configure()
	spec := c.Spec()

	if err := phase(ctx, "starting", func(ctx context.Context) error {
		return c.runHook(ctx, spec.Hooks.Starting)
	}); err != nil {
		return err
	}

	var labels map[string]string
	if c.reaper != nil {
		if err := phase(ctx, "reaper", c.reaper.Start); err != nil {
			return fmt.Errorf("starting resource reaper: %w", err)
		}
		labels = c.reaper.Labels()
	}

	ref, err := image.Parse(spec.Image)
	if err != nil {
		return err
	}
	if err := phase(ctx, "resolve-image", func(ctx context.Context) error {
		ref, err = c.images.Resolve(ctx, ref)
		return err
	}); err != nil {
		return err
	}

	var nw network.Network
	if spec.Network != nil {
		if err := phase(ctx, "resolve-network", func(ctx context.Context) error {
			nw, err = c.networks.Resolve(ctx, *spec.Network)
			return err
		}); err != nil {
			return err
		}
	}

	var id string
	if err := phase(ctx, "create", func(ctx context.Context) error {
		id, err = c.cli.CreateContainer(ctx, spec.request(ref.String(), nw.Name, labels))
		return err
	}); err != nil {
		return fmt.Errorf("creating container from %s: %w", ref, err)
	}

	c.mu.Lock()
	c.image, c.network, c.id = ref, nw, id
	c.mu.Unlock()

	log.Debug(ctx, "created container", o11y.AttrContainerID, id, o11y.AttrImage, ref.String())
	return nil
}

// Start creates the container if needed, starts it, and blocks until both
// the startup and wait strategies succeed. On failure the container output is
// logged and the error returned; the container is left for Stop or the
// reaper to remove.
func (c *Container) Start(ctx context.Context) (err error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	already := c.inspect != nil || c.retired
	c.mu.Unlock()
	if already {
		return ErrAlreadyStarted
	}

	ctx, span := o11y.Tracer().Start(ctx, "container.Start",
		trace.WithAttributes(attribute.String(o11y.AttrImage, c.Spec().Image)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.create(ctx); err != nil {
		return err
	}

	id := c.ID()
	spec := c.Spec()
	ctx = log.With(ctx, o11y.AttrContainerID, id)
	span.SetAttributes(attribute.String(o11y.AttrContainerID, id))

	defer func() {
		if err != nil {
			c.emitLogs(ctx, id, err)
		}
	}()

	if err := phase(ctx, "start", func(ctx context.Context) error {
		if err := c.cli.StartContainer(ctx, id); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return launch.New("runtime did not start the container", err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := phase(ctx, "startup-strategy", func(ctx context.Context) error {
		return spec.Startup.WaitUntilRunning(ctx, c.cli, id)
	}); err != nil {
		return err
	}

	inspect, err := c.cli.InspectContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("inspecting started container: %w", err)
	}
	c.mu.Lock()
	c.inspect = inspect
	c.name = inspect.Name
	c.mu.Unlock()

	if err := c.runHook(ctx, spec.Hooks.Started); err != nil {
		return err
	}

	if err := phase(ctx, "wait-strategy", func(ctx context.Context) error {
		return spec.Wait.WaitUntil(ctx, c)
	}); err != nil {
		return err
	}

	if err := c.runHook(ctx, spec.Hooks.ServiceStarted); err != nil {
		return err
	}

	log.Info(ctx, "container ready", o11y.AttrImage, spec.Image, "name", inspect.Name)
	return nil
}

// emitLogs writes the container output for diagnosis. Failures here are only
// logged so they never mask cause.
func (c *Container) emitLogs(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)

	logs, err := c.cli.ContainerLogs(ctx, id)
	if err != nil {
		log.Warn(ctx, "failed to fetch container logs", "error", err)
		return
	}

	ctx, done := log.SetupContainerLogging(ctx, c.logsDir, c.Spec().Image+"-"+id)
	defer done()
	log.Error(ctx, "container failed to start", "error", cause, log.ContainerLogKey, logs)
}

// Stop stops and removes the container. It is a no-op for a container that
// was never created, so calling it twice is safe. Removal is skipped for
// auto-remove containers since the runtime does it.
func (c *Container) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	id := c.id
	spec := c.spec
	c.mu.Unlock()

	if id == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A failing hook must not leave the container behind.
	hookErr := c.runHook(ctx, spec.Hooks.Stopping)

	var errs error
	if err := c.cli.StopContainer(ctx, id, spec.StopTimeout); err != nil && !runtime.IsNotFound(err) {
		errs = multierr.Append(errs, err)
	}
	if !spec.AutoRemove {
		if err := c.cli.RemoveContainer(ctx, id); err != nil && !runtime.IsNotFound(err) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return multierr.Append(hookErr, errs)
	}

	c.mu.Lock()
	c.id = ""
	c.inspect = nil
	c.retired = true
	c.mu.Unlock()

	log.Debug(ctx, "stopped container", o11y.AttrContainerID, id)
	return multierr.Append(hookErr, c.runHook(ctx, spec.Hooks.Stopped))
}

// MappedPort returns the host port bound to the container's TCP port.
func (c *Container) MappedPort(port int) (int, error) {
	c.mu.Lock()
	inspect := c.inspect
	c.mu.Unlock()

	if inspect == nil {
		return 0, ErrNotStarted
	}

	for _, b := range inspect.Ports[portKey(port)] {
		if b.HostPort == "" {
			continue
		}
		p, err := strconv.Atoi(b.HostPort)
		if err != nil {
			return 0, fmt.Errorf("parsing host port %q for %d/tcp: %w", b.HostPort, port, err)
		}
		return p, nil
	}
	return 0, fmt.Errorf("%w: %d/tcp", ErrPortNotMapped, port)
}

// Host returns the address at which the test process reaches published
// ports. Remote endpoints yield their host. Local socket endpoints yield
// localhost, unless this process itself runs in a container, in which case
// the container's gateway is the way out.
func (c *Container) Host(context.Context) (string, error) {
	u, err := url.Parse(c.cli.Host())
	if err != nil {
		return "", fmt.Errorf("parsing runtime endpoint: %w", err)
	}

	switch u.Scheme {
	case "tcp", "http", "https", "ssh":
		return u.Hostname(), nil
	case "unix", "npipe":
		if !c.insideContainer() {
			return "localhost", nil
		}
		c.mu.Lock()
		inspect, nw := c.inspect, c.network.Name
		c.mu.Unlock()
		if inspect == nil {
			return "", ErrNotStarted
		}
		if gw := inspect.GatewayFor(nw); gw != "" {
			return gw, nil
		}
		return "localhost", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, u.Scheme)
	}
}

func (c *Container) insideContainer() bool {
	if c.markerPath == "" {
		return false
	}
	_, err := os.Stat(c.markerPath)
	return err == nil
}

// Exec runs cmd inside the running container.
func (c *Container) Exec(ctx context.Context, cmd ...string) (*runtime.ExecResult, error) {
	id := c.ID()
	if id == "" {
		return nil, ErrNotStarted
	}
	return c.cli.Exec(ctx, id, cmd)
}

// Logs returns what the container has written so far.
func (c *Container) Logs(ctx context.Context) (string, error) {
	id := c.ID()
	if id == "" {
		return "", ErrNotStarted
	}
	return c.cli.ContainerLogs(ctx, id)
}

func (c *Container) runHook(ctx context.Context, h Hook) error {
	if h == nil {
		return nil
	}
	return h(ctx, c)
}

// phase runs fn under a child span named after the lifecycle step.
func phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := o11y.Tracer().Start(ctx, "container."+name,
		trace.WithAttributes(attribute.String(o11y.AttrPhase, name)))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
