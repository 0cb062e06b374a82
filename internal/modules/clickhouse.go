package modules

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
)

const (
	// https://hub.docker.com/r/clickhouse/clickhouse-server/
	ClickHouseImage    = "clickhouse/clickhouse-server:23.2.6.34-alpine"
	ClickHousePort     = 9000
	ClickHouseHTTPPort = 8123
	ClickHouseDatabase = "clickdb"
	ClickHouseUser     = "clickuser"
	ClickHousePassword = "password1"
)

// ClickHouse is a ClickHouse server reached over the native TCP protocol.
type ClickHouse struct {
	Image    string
	Database string
	User     string
	Password string
}

func (c ClickHouse) withDefaults() ClickHouse {
	c.Image = orDefault(c.Image, ClickHouseImage)
	c.Database = orDefault(c.Database, ClickHouseDatabase)
	c.User = orDefault(c.User, ClickHouseUser)
	c.Password = orDefault(c.Password, ClickHousePassword)
	return c
}

func (c ClickHouse) Spec() container.Spec {
	c = c.withDefaults()
	return container.Spec{
		Image:        c.Image,
		ExposedPorts: []int{ClickHousePort, ClickHouseHTTPPort},
		Env: map[string]string{
			"CLICKHOUSE_DB":                        c.Database,
			"CLICKHOUSE_USER":                      c.User,
			"CLICKHOUSE_PASSWORD":                  c.Password,
			"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
		},
		Wait: &wait.Probe{
			Name: "clickhouse",
			Fn: func(ctx context.Context, t wait.Target) error {
				opts, err := c.Options(ctx, t)
				if err != nil {
					return err
				}
				db := clickhouse.OpenDB(opts)
				defer db.Close()
				return db.PingContext(ctx)
			},
			Transient: transientNet,
			Timeout:   probeTimeout,
			Interval:  probeInterval,
		},
	}
}

// Options returns client options for the native protocol port.
func (c ClickHouse) Options(ctx context.Context, t wait.Target) (*clickhouse.Options, error) {
	c = c.withDefaults()
	addr, err := hostPort(ctx, t, ClickHousePort)
	if err != nil {
		return nil, err
	}
	return &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.User,
			Password: c.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}, nil
}

// ConnectionString returns a clickhouse:// DSN for the native protocol port.
func (c ClickHouse) ConnectionString(ctx context.Context, t wait.Target) (string, error) {
	c = c.withDefaults()
	addr, err := hostPort(ctx, t, ClickHousePort)
	if err != nil {
		return "", err
	}
	return "clickhouse://" + c.User + ":" + c.Password + "@" + addr + "/" + c.Database, nil
}
