package testcontainers

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainguard-dev/testcontainers/internal/config"
	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/image"
	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/network"
	"github.com/chainguard-dev/testcontainers/internal/o11y"
	"github.com/chainguard-dev/testcontainers/internal/provider"
	"github.com/chainguard-dev/testcontainers/internal/reaper"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/teardown"
	"go.uber.org/multierr"
)

// Session owns one runtime client, one resource reaper and everything
// started through it.
type Session struct {
	cfg      *config.Config
	factory  *provider.Factory
	cli      runtime.Client
	provider string
	reaper   *reaper.Reaper
	images   *image.Resolver
	networks *network.Resolver
	stack    *teardown.Stack

	closeOnce sync.Once
	closeErr  error
}

type SessionOption func(*sessionOptions)

type sessionOptions struct {
	cfg        *config.Config
	cfgSet     bool
	cli        runtime.Client
	providers  []provider.Provider
	reaperOpts []reaper.Option
}

// WithConfig replaces the configuration otherwise read from the environment.
// A nil cfg means the built-in defaults, ignoring the environment entirely.
func WithConfig(cfg *config.Config) SessionOption {
	return func(o *sessionOptions) { o.cfg, o.cfgSet = cfg, true }
}

// WithClient skips provider discovery and uses cli. The session does not
// close a client it did not create.
func WithClient(cli runtime.Client) SessionOption {
	return func(o *sessionOptions) { o.cli = cli }
}

// WithProviders replaces the default provider list.
func WithProviders(providers ...provider.Provider) SessionOption {
	return func(o *sessionOptions) { o.providers = providers }
}

// WithReaperOptions passes extra options to the resource reaper.
func WithReaperOptions(opts ...reaper.Option) SessionOption {
	return func(o *sessionOptions) { o.reaperOpts = append(o.reaperOpts, opts...) }
}

// NewSession connects to a container runtime. The reaper is created here but
// only started when the first container or network needs it.
func NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil && o.cfgSet {
		cfg = config.Default()
	}
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}

	ctx, span := o11y.Tracer().Start(ctx, "session.New")
	defer span.End()

	s := &Session{cfg: cfg, cli: o.cli, stack: teardown.NewStack()}
	if s.cli == nil {
		providers := o.providers
		if providers == nil {
			providers = provider.Defaults(cfg)
		}
		s.factory = provider.NewFactory(providers)
		cli, p, err := s.factory.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovering container runtime: %w", err)
		}
		s.cli, s.provider = cli, p.Name()
	}

	s.images = image.NewResolver(s.cli)
	if cfg.ReaperEnabled() {
		ropts := append([]reaper.Option{
			reaper.WithImage(cfg.ReaperImage),
			reaper.WithImageResolver(s.images),
			reaper.WithMarkerPath(cfg.MarkerPath),
		}, o.reaperOpts...)
		s.reaper = reaper.New(s.cli, ropts...)
		s.networks = network.NewResolver(s.cli, s.reaper)
	} else {
		log.Warn(ctx, "resource reaper disabled, containers left behind by a crash will not be removed")
		s.networks = network.NewResolver(s.cli, nil)
	}

	log.Info(ctx, "session ready", "provider", s.provider, "endpoint", s.cli.Host(), "reaper", s.reaper != nil)
	return s, nil
}

// Client returns the runtime client the session talks to.
func (s *Session) Client() runtime.Client { return s.cli }

// Reaper returns the session's resource reaper, or nil if it is disabled.
func (s *Session) Reaper() *reaper.Reaper { return s.reaper }

// ID returns the reaper session id, or "" when the reaper is disabled.
func (s *Session) ID() string {
	if s.reaper == nil {
		return ""
	}
	return s.reaper.SessionID()
}

// NewContainer returns a container wired to the session's resolvers and
// reaper. It is not tracked: the caller owns its Stop.
func (s *Session) NewContainer(spec Spec) *Container {
	opts := []container.Option{
		container.WithImageResolver(s.images),
		container.WithNetworkResolver(s.networks),
		container.WithMarkerPath(s.cfg.MarkerPath),
		container.WithLogsDir(s.cfg.LogsDir),
	}
	if s.reaper != nil {
		opts = append(opts, container.WithReaper(s.reaper))
	}
	return container.New(s.cli, spec, opts...)
}

// Run starts a container and tracks it for Close. The container is tracked
// even when Start fails, so a half-started container is still removed.
func (s *Session) Run(ctx context.Context, spec Spec) (*Container, error) {
	c := s.NewContainer(spec)
	if err := s.stack.Add("container "+spec.Image, c.Stop); err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Network creates a uniquely named network and tracks it for Close.
func (s *Session) Network(ctx context.Context, labels map[string]string) (Network, error) {
	n, err := s.networks.Resolve(ctx, network.New(labels))
	if err != nil {
		return n, err
	}
	if err := s.stack.Add("network "+n.Name, func(ctx context.Context) error {
		return s.networks.Remove(ctx, n)
	}); err != nil {
		return n, err
	}
	return n, nil
}

// RegisterImageForCleanup removes ref when the session ends. Without a
// reaper the removal is queued on the teardown stack instead.
func (s *Session) RegisterImageForCleanup(ref string) error {
	if s.reaper != nil {
		s.reaper.RegisterImageForCleanup(ref)
		return nil
	}
	return s.stack.Add("image "+ref, func(ctx context.Context) error {
		if err := s.cli.RemoveImage(ctx, ref); err != nil && !runtime.IsNotFound(err) {
			return err
		}
		return nil
	})
}

// Close stops everything Run and Network created, newest first, then runs
// the reaper's exit hook and releases the runtime client. Only the first
// call does any work.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		ctx, span := o11y.Tracer().Start(ctx, "session.Close")
		defer span.End()

		var errs error
		if err := s.stack.Teardown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		if s.reaper != nil {
			errs = multierr.Append(errs, s.reaper.ExitHook(ctx))
			errs = multierr.Append(errs, s.reaper.Close())
		}
		if s.factory != nil {
			errs = multierr.Append(errs, s.factory.Close())
		}
		if errs != nil {
			log.Warn(ctx, "session teardown incomplete", "errors", len(multierr.Errors(errs)))
		}
		s.closeErr = errs
	})
	return s.closeErr
}
