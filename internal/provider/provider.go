// Package provider discovers how to reach the local container engine.
//
// Candidates are declared statically in Defaults. A Factory filters them to
// the applicable ones, orders them by descending priority, and returns a
// client for the first candidate whose liveness test passes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/config"
	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/sethvargo/go-retry"
)

const (
	testInterval = 1500 * time.Millisecond
	testTimeout  = 5 * time.Second
)

type Provider interface {
	Name() string
	Description() string
	Priority() int
	// Applicable is a cheap check of the OS and environment. It does no I/O
	// against the engine.
	Applicable() bool
	// Test pings the engine with bounded retry. It never fails loudly: any
	// error yields false.
	Test(ctx context.Context) bool
	Endpoint() string
}

// Dialer builds a client for an endpoint.
type Dialer func(endpoint string) (runtime.Client, error)

func dockerDialer(endpoint string) (runtime.Client, error) {
	return runtime.NewDocker(endpoint)
}

// Endpoint is a Provider for a fixed engine address.
type Endpoint struct {
	name        string
	description string
	endpoint    string
	priority    int
	applicable  func() bool
	dial        Dialer
}

func (e *Endpoint) Name() string        { return e.name }
func (e *Endpoint) Description() string { return e.description }
func (e *Endpoint) Priority() int       { return e.priority }
func (e *Endpoint) Endpoint() string    { return e.endpoint }

func (e *Endpoint) Applicable() bool {
	return e.endpoint != "" && (e.applicable == nil || e.applicable())
}

func (e *Endpoint) Test(ctx context.Context) bool {
	if err := Ping(ctx, e.dial, e.endpoint); err != nil {
		log.Debug(ctx, "runtime provider test failed", "provider", e.name, "endpoint", e.endpoint, "error", err)
		return false
	}
	return true
}

// Ping dials endpoint and pings it every 1.5s until it answers or 5s pass.
func Ping(ctx context.Context, dial Dialer, endpoint string) error {
	if dial == nil {
		dial = dockerDialer
	}

	cli, err := dial(endpoint)
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	backoff := retry.WithMaxDuration(testTimeout, retry.NewConstant(testInterval))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := cli.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

type Option func(*options)

type options struct {
	dial   Dialer
	goos   string
	exists func(path string) bool
	home   string
	xdg    string
	uid    int
}

// WithDialer replaces the engine client constructor used by Test and by the
// Factory.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dial = d }
}

// WithGOOS overrides the operating system the providers assume.
func WithGOOS(goos string) Option {
	return func(o *options) { o.goos = goos }
}

// WithSocketCheck overrides the check for a socket file on disk.
func WithSocketCheck(exists func(path string) bool) Option {
	return func(o *options) { o.exists = exists }
}

func newOptions(opts []Option) *options {
	home, _ := os.UserHomeDir()
	o := &options{
		dial: dockerDialer,
		goos: goruntime.GOOS,
		exists: func(path string) bool {
			fi, err := os.Stat(path)
			return err == nil && fi.Mode()&os.ModeSocket != 0
		},
		home: home,
		xdg:  os.Getenv("XDG_RUNTIME_DIR"),
		uid:  os.Getuid(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Defaults returns every provider this package knows about. The Factory does
// the filtering and ordering.
func Defaults(cfg *config.Config, opts ...Option) []Provider {
	o := newOptions(opts)
	unixLike := func() bool { return o.goos == "linux" || o.goos == "darwin" }

	providers := []Provider{
		Environment(cfg.DockerHost, opts...),
		&Endpoint{
			name:        "unix",
			description: "default local unix socket",
			endpoint:    "unix:///var/run/docker.sock",
			priority:    100,
			applicable:  unixLike,
			dial:        o.dial,
		},
		&Endpoint{
			name:        "npipe",
			description: "default local named pipe",
			endpoint:    "npipe:////./pipe/docker_engine",
			priority:    100,
			applicable:  func() bool { return o.goos == "windows" },
			dial:        o.dial,
		},
	}

	rootless := filepath.Join(o.xdg, "docker.sock")
	if o.xdg == "" {
		rootless = fmt.Sprintf("/run/user/%d/docker.sock", o.uid)
	}
	providers = append(providers, socket("rootless", "rootless daemon socket", rootless, 90, o, func() bool { return o.goos == "linux" }))

	if o.home != "" {
		providers = append(providers,
			socket("desktop", "Docker Desktop user socket", filepath.Join(o.home, ".docker", "run", "docker.sock"), 80, o, unixLike),
			socket("colima", "colima user socket", filepath.Join(o.home, ".colima", "default", "docker.sock"), 70, o, unixLike),
		)
	}

	return providers
}

func socket(name, desc, path string, priority int, o *options, osOK func() bool) *Endpoint {
	return &Endpoint{
		name:        name,
		description: desc,
		endpoint:    "unix://" + path,
		priority:    priority,
		applicable:  func() bool { return osOK() && o.exists(path) },
		dial:        o.dial,
	}
}

// Environment is the provider for an endpoint declared in DOCKER_HOST. It
// accepts tcp:// and ssh:// anywhere and unix:// on unix-like systems.
func Environment(host string, opts ...Option) *Endpoint {
	o := newOptions(opts)
	return &Endpoint{
		name:        "environment",
		description: "endpoint from DOCKER_HOST",
		endpoint:    host,
		priority:    200,
		applicable: func() bool {
			u, err := url.Parse(host)
			if err != nil {
				return false
			}
			switch u.Scheme {
			case "tcp", "ssh":
				return true
			case "unix":
				return o.goos != "windows"
			default:
				return false
			}
		},
		dial: o.dial,
	}
}

var ErrNoProvider = errors.New("no supported container runtime provider")
