package container

import (
	"github.com/chainguard-dev/testcontainers/internal/image"
	"github.com/chainguard-dev/testcontainers/internal/network"
)

type Option func(*Container)

// WithImageResolver shares an image resolver between containers so that
// their pulls are de-duplicated.
func WithImageResolver(r *image.Resolver) Option {
	return func(c *Container) { c.images = r }
}

func WithNetworkResolver(r *network.Resolver) Option {
	return func(c *Container) { c.networks = r }
}

// WithReaper labels the container for cleanup by r.
func WithReaper(r Reaper) Option {
	return func(c *Container) {
		if r != nil {
			c.reaper = r
		}
	}
}

// WithMarkerPath sets the file whose presence means this process runs inside
// a container. An empty path disables the check.
func WithMarkerPath(path string) Option {
	return func(c *Container) { c.markerPath = path }
}

// WithLogsDir writes container output of failed starts to a file in dir.
func WithLogsDir(dir string) Option {
	return func(c *Container) { c.logsDir = dir }
}
