package runtime

import (
	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/authn"
)

type DockerOption func(*Docker) error

// WithClient uses an already constructed engine client.
func WithClient(cli *client.Client) DockerOption {
	return func(d *Docker) error {
		d.inner = cli
		return nil
	}
}

// WithClientOpts appends engine client options applied after the host
// options.
func WithClientOpts(opts ...client.Opt) DockerOption {
	return func(d *Docker) error {
		d.copts = append(d.copts, opts...)
		return nil
	}
}

// WithKeychain overrides the keychain used to authenticate pulls.
func WithKeychain(kc authn.Keychain) DockerOption {
	return func(d *Docker) error {
		d.keychain = kc
		return nil
	}
}
