package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupContainerLogging(t *testing.T) {
	dir := t.TempDir()

	ctx, done := SetupContainerLogging(t.Context(), dir, "Postgres: 16/alpine")
	Info(ctx, "starting")
	Error(ctx, "container failed", ContainerLogKey, "FATAL: role does not exist")
	done()

	data, err := os.ReadFile(filepath.Join(dir, "postgres-16-alpine.log"))
	require.NoError(t, err)
	require.Equal(t, "FATAL: role does not exist\n", string(data))
}

func TestSetupContainerLoggingDisabled(t *testing.T) {
	ctx := t.Context()
	got, done := SetupContainerLogging(ctx, "", "anything")
	defer done()
	require.Equal(t, ctx, got)
}
