package reaper

import (
	"github.com/chainguard-dev/testcontainers/internal/image"
	"github.com/chainguard-dev/testcontainers/internal/wait"
)

type Option func(*Reaper)

// WithImage overrides the sidecar image. Empty keeps the default.
func WithImage(ref string) Option {
	return func(r *Reaper) {
		if ref != "" {
			r.image = ref
		}
	}
}

// WithImageResolver shares pull de-duplication with the rest of the session.
func WithImageResolver(res *image.Resolver) Option {
	return func(r *Reaper) { r.images = res }
}

// WithDialer replaces how the sidecar's control port is dialed.
func WithDialer(d wait.Dialer) Option {
	return func(r *Reaper) { r.dialer = d }
}

// WithMarkerPath is passed on to the sidecar container; see
// container.WithMarkerPath.
func WithMarkerPath(path string) Option {
	return func(r *Reaper) { r.markerPath = path }
}

// WithoutSignalHandling skips installing the SIGINT/SIGTERM hook.
func WithoutSignalHandling() Option {
	return func(r *Reaper) { r.signals = false }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(r *Reaper) {
		if id != "" {
			r.sessionID = id
		}
	}
}
