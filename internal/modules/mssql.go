package modules

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	mssql "github.com/microsoft/go-mssqldb"
)

const (
	// https://mcr.microsoft.com/product/mssql/server
	SQLServerImage    = "mcr.microsoft.com/mssql/server:2022-latest"
	SQLServerPort     = 1433
	SQLServerDatabase = "master"
	SQLServerUser     = "sa"
	SQLServerPassword = "A_Str0ng_Required_Password"

	sqlServerTimeout = 4 * time.Minute
)

// SQL Server product editions accepted in MSSQL_PID.
const (
	EditionDeveloper      = "Developer"
	EditionExpress        = "Express"
	EditionStandard       = "Standard"
	EditionEnterprise     = "Enterprise"
	EditionEnterpriseCore = "EnterpriseCore"
)

// SQLServer is a Microsoft SQL Server instance. Running it accepts the
// image's EULA on the caller's behalf.
type SQLServer struct {
	Image    string
	Password string
	// Edition is passed as MSSQL_PID when set.
	Edition string
}

func (s SQLServer) withDefaults() SQLServer {
	s.Image = orDefault(s.Image, SQLServerImage)
	s.Password = orDefault(s.Password, SQLServerPassword)
	return s
}

func (s SQLServer) Spec() container.Spec {
	s = s.withDefaults()
	env := map[string]string{
		"ACCEPT_EULA":       "Y",
		"MSSQL_SA_PASSWORD": s.Password,
	}
	if s.Edition != "" {
		env["MSSQL_PID"] = s.Edition
	}
	return container.Spec{
		Image:        s.Image,
		ExposedPorts: []int{SQLServerPort},
		Env:          env,
		Wait: &wait.Probe{
			Name: "sqlserver",
			Fn: func(ctx context.Context, t wait.Target) error {
				dsn, err := s.ConnectionString(ctx, t)
				if err != nil {
					return err
				}
				return pingSQL(ctx, "sqlserver", dsn)
			},
			Transient: sqlServerTransient,
			Timeout:   sqlServerTimeout,
			Interval:  probeInterval,
		},
	}
}

// ConnectionString returns a sqlserver:// URL for the started container.
func (s SQLServer) ConnectionString(ctx context.Context, t wait.Target) (string, error) {
	s = s.withDefaults()
	addr, err := hostPort(ctx, t, SQLServerPort)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("database", SQLServerDatabase)
	q.Set("encrypt", "disable")
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(SQLServerUser, s.Password),
		Host:     addr,
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// sqlServerTransient retries server errors too: logins are refused with a
// regular server error until recovery of the system databases completes.
func sqlServerTransient(err error) bool {
	var serr mssql.Error
	if errors.As(err, &serr) {
		return true
	}
	return transientNet(err)
}
