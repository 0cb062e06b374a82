// Package testcontainers starts throwaway containers for tests and makes
// sure they are gone afterwards.
//
// A Session discovers the container runtime, starts the resource reaper on
// first use and tracks what it started so that Close can tear it down in
// reverse order. If the process dies first, the reaper's sidecar removes
// everything the session labeled.
//
//	func TestMain(m *testing.M) { testcontainers.RunMain(m) }
//
//	func TestQuery(t *testing.T) {
//		s, err := testcontainers.Default(t.Context())
//		...
//		pg, err := s.Run(t.Context(), modules.Postgres{}.Spec())
//		...
//	}
package testcontainers

import (
	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/network"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
)

type (
	Container = container.Container
	Spec      = container.Spec
	Bind      = container.Bind
	Hook      = container.Hook
	Hooks     = container.Hooks
	Network   = network.Network
	Client    = runtime.Client
)

const (
	ReadWrite = container.ReadWrite
	ReadOnly  = container.ReadOnly
)
