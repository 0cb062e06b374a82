package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// SetupContainerLogging tees the context logger into a per-container file
// under dir. Only records carrying ContainerLogKey reach the file. An empty
// dir leaves the context untouched.
func SetupContainerLogging(ctx context.Context, dir, name string) (context.Context, func()) {
	if dir == "" {
		return ctx, func() {}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create container logs directory", "path", dir, "error", err.Error())
		return ctx, func() {}
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.log", slug.Make(name)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		clog.WarnContext(ctx, "failed to open container log file", "path", path, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), &containerHandler{w: f})
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := f.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close container log file", "path", path, "error", err.Error())
		}
	}
}

type containerHandler struct {
	w io.Writer
}

func (h *containerHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *containerHandler) Handle(_ context.Context, record slog.Record) error {
	var out string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == ContainerLogKey {
			out = a.Value.String()
			return false
		}
		return true
	})

	if out == "" {
		return nil
	}

	_, err := fmt.Fprintln(h.w, out)
	return err
}

func (h *containerHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *containerHandler) WithGroup(string) slog.Handler { return h }
