package modules

import (
	"context"
	"errors"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// https://hub.docker.com/_/rabbitmq
	RabbitMQImage    = "rabbitmq:3.13-alpine"
	RabbitMQPort     = 5672
	RabbitMQUser     = "guest"
	RabbitMQPassword = "guest"
	RabbitMQVhost    = "/"

	rabbitMQHeartbeat = 60 * time.Second
)

// RabbitMQ is a RabbitMQ broker reached over AMQP 0-9-1.
type RabbitMQ struct {
	Image    string
	User     string
	Password string
	Vhost    string
}

func (r RabbitMQ) withDefaults() RabbitMQ {
	r.Image = orDefault(r.Image, RabbitMQImage)
	r.User = orDefault(r.User, RabbitMQUser)
	r.Password = orDefault(r.Password, RabbitMQPassword)
	r.Vhost = orDefault(r.Vhost, RabbitMQVhost)
	return r
}

func (r RabbitMQ) Spec() container.Spec {
	r = r.withDefaults()
	return container.Spec{
		Image:        r.Image,
		ExposedPorts: []int{RabbitMQPort},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER":  r.User,
			"RABBITMQ_DEFAULT_PASS":  r.Password,
			"RABBITMQ_DEFAULT_VHOST": r.Vhost,
		},
		Wait: &wait.Probe{
			Name: "rabbitmq",
			Fn: func(ctx context.Context, t wait.Target) error {
				conn, err := r.Dial(ctx, t)
				if err != nil {
					return err
				}
				return conn.Close()
			},
			Transient: rabbitMQTransient,
			Timeout:   probeTimeout,
			Interval:  probeInterval,
		},
	}
}

// ConnectionString returns an amqp:// URL for the started container.
func (r RabbitMQ) ConnectionString(ctx context.Context, t wait.Target) (string, error) {
	r = r.withDefaults()
	host, err := t.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := t.MappedPort(RabbitMQPort)
	if err != nil {
		return "", err
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: r.User,
		Password: r.Password,
		Vhost:    r.Vhost,
	}
	return uri.String(), nil
}

// Dial opens an AMQP connection with the broker's default heartbeat.
func (r RabbitMQ) Dial(ctx context.Context, t wait.Target) (*amqp.Connection, error) {
	u, err := r.ConnectionString(ctx, t)
	if err != nil {
		return nil, err
	}
	return amqp.DialConfig(u, amqp.Config{
		Heartbeat: rabbitMQHeartbeat,
		Vhost:     r.withDefaults().Vhost,
		Locale:    "en_US",
	})
}

// rabbitMQTransient retries protocol errors raised while the broker boots,
// but not rejected credentials.
func rabbitMQTransient(err error) bool {
	if errors.Is(err, amqp.ErrCredentials) {
		return false
	}
	var aerr *amqp.Error
	return errors.As(err, &aerr) || transientNet(err)
}
