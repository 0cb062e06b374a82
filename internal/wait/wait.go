// Package wait holds strategies that decide when the service inside a
// running container accepts traffic.
package wait

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/launch"
	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultTimeout       = time.Minute
	DefaultProbeInterval = 3 * time.Second
	DefaultPortInterval  = time.Second
)

// Target is the view of a started container a strategy needs.
type Target interface {
	ID() string
	// Host is the address the test process uses to reach published ports.
	Host(ctx context.Context) (string, error)
	MappedPort(port int) (int, error)
	ExposedPorts() []int
}

type Strategy interface {
	WaitUntil(ctx context.Context, t Target) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, t Target) error

func (f StrategyFunc) WaitUntil(ctx context.Context, t Target) error { return f(ctx, t) }

type noWait struct{}

func (noWait) WaitUntil(context.Context, Target) error { return nil }

// None succeeds immediately.
func None() Strategy { return noWait{} }

// All runs strategies in order and stops at the first failure.
func All(strategies ...Strategy) Strategy {
	return StrategyFunc(func(ctx context.Context, t Target) error {
		for _, s := range strategies {
			if err := s.WaitUntil(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProbeFunc performs one readiness attempt.
type ProbeFunc func(ctx context.Context, t Target) error

// Probe retries Fn until it succeeds or Timeout elapses. Errors for which
// Transient returns true are retried every Interval; any other error is
// returned at once. A nil Transient treats every error as transient.
type Probe struct {
	Name      string
	Fn        ProbeFunc
	Transient func(error) bool
	Timeout   time.Duration
	Interval  time.Duration
}

func (p *Probe) WaitUntil(ctx context.Context, t Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := p.Name
	if name == "" {
		name = "probe"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		last, fatal error
		attempts    int
	)
	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(interval))
	err := retry.Do(rctx, backoff, func(ctx context.Context) error {
		attempts++
		err := p.Fn(ctx, t)
		if err == nil {
			return nil
		}
		if p.Transient == nil || p.Transient(err) {
			last = err
			log.Debug(ctx, "service not ready yet", "probe", name, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		fatal = err
		return err
	})

	if err == nil {
		log.Debug(ctx, "service ready", "probe", name, "attempts", attempts)
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s: %w", name, cerr)
	}

	cause := last
	if fatal != nil {
		// A driver error raised because the overall deadline hit mid-attempt
		// is still a timeout.
		if rctx.Err() == nil {
			return fmt.Errorf("%s: %w", name, fatal)
		}
		cause = fatal
	}
	if cause == nil {
		cause = err
	}
	return launch.New(fmt.Sprintf("%s not ready after %s and %d attempts", name, timeout, attempts), cause)
}

// ForProbe builds a Probe with the default timeout and interval.
func ForProbe(name string, fn ProbeFunc, transient func(error) bool) *Probe {
	return &Probe{
		Name:      name,
		Fn:        fn,
		Transient: transient,
		Timeout:   DefaultTimeout,
		Interval:  DefaultProbeInterval,
	}
}

// ExposedPorts waits until every exposed port accepts a TCP connection on
// the host side.
type ExposedPorts struct {
	Timeout  time.Duration
	Interval time.Duration
	Dialer   Dialer
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

func ForExposedPorts() *ExposedPorts {
	return &ExposedPorts{Timeout: DefaultTimeout, Interval: DefaultPortInterval}
}

func (s *ExposedPorts) WaitUntil(ctx context.Context, t Target) error {
	host, err := t.Host(ctx)
	if err != nil {
		return fmt.Errorf("resolving host: %w", err)
	}

	var dialer Dialer = &net.Dialer{Timeout: time.Second}
	if s.Dialer != nil {
		dialer = s.Dialer
	}

	probe := &Probe{
		Name:     "exposed ports",
		Timeout:  s.Timeout,
		Interval: s.Interval,
		Fn: func(ctx context.Context, t Target) error {
			for _, port := range t.ExposedPorts() {
				mapped, err := t.MappedPort(port)
				if err != nil {
					return &usageError{err}
				}
				conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(mapped)))
				if err != nil {
					return err
				}
				_ = conn.Close()
			}
			return nil
		},
		Transient: func(err error) bool {
			var ue *usageError
			return !errors.As(err, &ue)
		},
	}
	if probe.Interval <= 0 {
		probe.Interval = DefaultPortInterval
	}
	return probe.WaitUntil(ctx, t)
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }
