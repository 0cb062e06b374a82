package testcontainers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
)

var (
	defaultMu      sync.Mutex
	defaultSession *Session
)

// Default returns the process-wide session, creating it on first use. A
// failed creation is not remembered, so a later call may succeed.
func Default(ctx context.Context, opts ...SessionOption) (*Session, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultSession != nil {
		return defaultSession, nil
	}
	s, err := NewSession(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defaultSession = s
	return s, nil
}

func closeDefault(ctx context.Context) error {
	defaultMu.Lock()
	s := defaultSession
	defaultSession = nil
	defaultMu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close(ctx)
}

// RunMain runs the tests and then closes the default session, so the
// reaper's exit hook runs before the process exits. Call it from TestMain.
func RunMain(m *testing.M) {
	os.Exit(runMain(m))
}

func runMain(m interface{ Run() int }) int {
	code := m.Run()
	if err := closeDefault(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "testcontainers: cleanup failed: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}
