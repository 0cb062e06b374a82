// Package modules holds ready-made container specs for common services.
//
// Each preset is a plain value: the zero value is usable and every field
// left empty falls back to the package defaults. Spec builds the
// container.Spec, including a readiness probe that talks the service's own
// protocol, and the address helpers turn a started container into something
// a client library can dial.
package modules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/wait"
)

const (
	probeTimeout  = 2 * time.Minute
	probeInterval = time.Second
)

// hostPort returns the host:port the test process dials for port.
func hostPort(ctx context.Context, t wait.Target, port int) (string, error) {
	host, err := t.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := t.MappedPort(port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(mapped)), nil
}

// transientNet reports errors seen while a server is still coming up:
// refused or reset connections, dial timeouts and connections closed early.
func transientNet(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// pingSQL opens a database/sql handle, pings it once and closes it.
func pingSQL(ctx context.Context, driver, dsn string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("opening %s connection: %w", driver, err)
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
