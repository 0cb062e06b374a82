package modules

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/go-sql-driver/mysql"
)

const (
	// https://hub.docker.com/_/mysql
	MySQLImage    = "mysql:8"
	MySQLPort     = 3306
	MySQLDatabase = "test"
	MySQLUser     = "root"
	MySQLPassword = "Password123"
)

// MySQL is a MySQL server. The root user is used unless User says otherwise.
type MySQL struct {
	Image    string
	Database string
	User     string
	Password string
}

func (m MySQL) withDefaults() MySQL {
	m.Image = orDefault(m.Image, MySQLImage)
	m.Database = orDefault(m.Database, MySQLDatabase)
	m.User = orDefault(m.User, MySQLUser)
	m.Password = orDefault(m.Password, MySQLPassword)
	return m
}

func (m MySQL) Spec() container.Spec {
	m = m.withDefaults()
	env := map[string]string{
		"MYSQL_ROOT_PASSWORD": m.Password,
		"MYSQL_DATABASE":      m.Database,
	}
	if m.User != "root" {
		env["MYSQL_USER"] = m.User
		env["MYSQL_PASSWORD"] = m.Password
	}
	return container.Spec{
		Image:        m.Image,
		ExposedPorts: []int{MySQLPort},
		Env:          env,
		Wait: &wait.Probe{
			Name: "mysql",
			Fn: func(ctx context.Context, t wait.Target) error {
				dsn, err := m.ConnectionString(ctx, t)
				if err != nil {
					return err
				}
				return pingSQL(ctx, "mysql", dsn)
			},
			Transient: mysqlTransient,
			Timeout:   probeTimeout,
			Interval:  probeInterval,
		},
	}
}

// ConnectionString returns a go-sql-driver DSN for the started container.
func (m MySQL) ConnectionString(ctx context.Context, t wait.Target) (string, error) {
	m = m.withDefaults()
	addr, err := hostPort(ctx, t, MySQLPort)
	if err != nil {
		return "", err
	}
	cfg := mysql.NewConfig()
	cfg.User = m.User
	cfg.Passwd = m.Password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = m.Database
	cfg.ParseTime = true
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

// mysqlTransient covers the temporary server the image runs during init,
// which accepts and then drops connections.
func mysqlTransient(err error) bool {
	return errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, driver.ErrBadConn) ||
		transientNet(err)
}
