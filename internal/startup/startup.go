// Package startup decides when a container process has entered the running
// state. Whether the service inside is ready is the wait package's concern.
package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/launch"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
)

type Strategy interface {
	WaitUntilRunning(ctx context.Context, cli runtime.Client, id string) error
}

// ExitedError reports a container that finished before it was ever seen
// running. It is never retried.
type ExitedError struct {
	ID       string
	ExitCode int
	At       time.Time
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("container %s exited with code %d at %s before it was running", e.ID, e.ExitCode, e.At.Format(time.RFC3339))
}

// IsRunning polls inspect until the container reports Running.
type IsRunning struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Default polls every second for up to a minute.
func Default() *IsRunning {
	return &IsRunning{Interval: time.Second, Timeout: time.Minute}
}

func (s *IsRunning) WaitUntilRunning(ctx context.Context, cli runtime.Client, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	interval, timeout := s.Interval, s.Timeout
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	var last error
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		inspect, err := cli.InspectContainer(ctx, id)
		if err != nil {
			// The daemon may lag behind the start call, so keep polling.
			last = err
			return false, nil
		}

		st := inspect.State
		if st.Running {
			return true, nil
		}

		if !st.FinishedAt.IsZero() {
			return false, &ExitedError{ID: id, ExitCode: st.ExitCode, At: st.FinishedAt}
		}

		last = fmt.Errorf("container %s is %s", id, st.Status)
		return false, nil
	})
	if err == nil {
		return nil
	}

	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("waiting for container %s to run: %w", id, cerr)
	}

	var exited *ExitedError
	if errors.As(err, &exited) {
		return launch.New("container exited before reaching the running state", exited)
	}

	if wait.Interrupted(err) {
		return launch.New(fmt.Sprintf("container %s was not running after %s", id, timeout), last)
	}

	return launch.New(fmt.Sprintf("waiting for container %s to run", id), err)
}
