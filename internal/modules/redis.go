package modules

import (
	"context"

	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/redis/go-redis/v9"
)

const (
	// https://hub.docker.com/_/redis
	RedisImage = "redis:7-alpine"
	RedisPort  = 6379
)

// Redis is a single Redis server. Password enables requirepass.
type Redis struct {
	Image    string
	Password string
}

func (r Redis) Spec() container.Spec {
	spec := container.Spec{
		Image:        orDefault(r.Image, RedisImage),
		ExposedPorts: []int{RedisPort},
		Wait: &wait.Probe{
			Name: "redis",
			Fn: func(ctx context.Context, t wait.Target) error {
				opts, err := r.Options(ctx, t)
				if err != nil {
					return err
				}
				client := redis.NewClient(opts)
				defer client.Close()
				return client.Ping(ctx).Err()
			},
			Transient: redisTransient,
			Timeout:   probeTimeout,
			Interval:  probeInterval,
		},
	}
	if r.Password != "" {
		spec.Cmd = []string{"redis-server", "--requirepass", r.Password}
	}
	return spec
}

// Options returns go-redis client options for the started container.
func (r Redis) Options(ctx context.Context, t wait.Target) (*redis.Options, error) {
	addr, err := hostPort(ctx, t, RedisPort)
	if err != nil {
		return nil, err
	}
	return &redis.Options{Addr: addr, Password: r.Password}, nil
}

// ConnectionString returns a redis:// URL for the started container.
func (r Redis) ConnectionString(ctx context.Context, t wait.Target) (string, error) {
	addr, err := hostPort(ctx, t, RedisPort)
	if err != nil {
		return "", err
	}
	if r.Password == "" {
		return "redis://" + addr, nil
	}
	return "redis://:" + r.Password + "@" + addr, nil
}

// redisTransient also retries LOADING, returned while the dataset loads.
func redisTransient(err error) bool {
	return redis.HasErrorPrefix(err, "LOADING") || transientNet(err)
}
