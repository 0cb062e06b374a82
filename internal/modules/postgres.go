package modules

import (
	"context"
	"errors"
	"net/url"

	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	// https://hub.docker.com/_/postgres
	PostgresImage    = "postgres:16-alpine"
	PostgresPort     = 5432
	PostgresDatabase = "test"
	PostgresUser     = "postgres"
	PostgresPassword = "Password123"
)

// Postgres is a PostgreSQL server.
type Postgres struct {
	Image    string
	Database string
	User     string
	Password string
}

func (p Postgres) withDefaults() Postgres {
	p.Image = orDefault(p.Image, PostgresImage)
	p.Database = orDefault(p.Database, PostgresDatabase)
	p.User = orDefault(p.User, PostgresUser)
	p.Password = orDefault(p.Password, PostgresPassword)
	return p
}

func (p Postgres) Spec() container.Spec {
	p = p.withDefaults()
	return container.Spec{
		Image:        p.Image,
		ExposedPorts: []int{PostgresPort},
		Env: map[string]string{
			"POSTGRES_DB":       p.Database,
			"POSTGRES_USER":     p.User,
			"POSTGRES_PASSWORD": p.Password,
		},
		Wait: &wait.Probe{
			Name: "postgres",
			Fn: func(ctx context.Context, t wait.Target) error {
				dsn, err := p.ConnectionString(ctx, t)
				if err != nil {
					return err
				}
				return pingSQL(ctx, "pgx", dsn)
			},
			Transient: postgresTransient,
			Timeout:   probeTimeout,
			Interval:  probeInterval,
		},
	}
}

// ConnectionString returns a pgx URL for the started container.
func (p Postgres) ConnectionString(ctx context.Context, t wait.Target) (string, error) {
	p = p.withDefaults()
	addr, err := hostPort(ctx, t, PostgresPort)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     addr,
		Path:     "/" + p.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// postgresTransient also retries "the database system is starting up" and
// "shutting down", which the image hits while it restarts after init.
func postgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57P03" || pgErr.Code == "57P01"
	}
	return transientNet(err)
}
