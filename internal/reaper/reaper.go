// Package reaper guarantees that containers and networks created by this
// process are removed even if the process dies without cleaning up.
//
// Cleanup is delegated to a sidecar container (Ryuk) that watches the engine
// socket. The process registers label filters with the sidecar over a TCP
// connection; once that connection drops, the sidecar deletes everything
// matching the filters it acknowledged. Two batch workers keep the protocol
// going: one maintains the connection, the other drains the pending filters
// and waits for each ACK before forgetting a filter.
package reaper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chainguard-dev/testcontainers/internal/batch"
	"github.com/chainguard-dev/testcontainers/internal/config"
	"github.com/chainguard-dev/testcontainers/internal/container"
	"github.com/chainguard-dev/testcontainers/internal/image"
	"github.com/chainguard-dev/testcontainers/internal/log"
	"github.com/chainguard-dev/testcontainers/internal/o11y"
	"github.com/chainguard-dev/testcontainers/internal/runtime"
	"github.com/chainguard-dev/testcontainers/internal/wait"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	kwait "k8s.io/apimachinery/pkg/util/wait"
)

const (
	controlPort     = 8080
	reconnectDelay  = time.Second
	recheckInterval = 4 * time.Second
	ackTimeout      = 10 * time.Second
	dialTimeout     = 5 * time.Second
	registerTimeout = 30 * time.Second
	exitFlush       = 2 * time.Second
	livenessWindow  = 50 * time.Millisecond
	dockerSocket    = "/var/run/docker.sock"
)

var ErrDisposed = errors.New("resource reaper is disposed")

type State int

const (
	NotStarted State = iota
	Starting
	Connected
	Reconnecting
	Disposed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disposed:
		return "disposed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type Reaper struct {
	cli        runtime.Client
	images     *image.Resolver
	image      string
	sessionID  string
	dialer     wait.Dialer
	markerPath string
	signals    bool
	recheck    time.Duration

	initMu  sync.Mutex
	sidecar *container.Container

	// ioMu serializes socket reads between the liveness check and delivery.
	ioMu sync.Mutex

	mu       sync.Mutex
	state    State
	addr     string
	conn     net.Conn
	rw       *bufio.ReadWriter
	pending  []string
	cleanup  []string
	exited   bool
	stopSigs func()

	connector *batch.Worker
	sender    *batch.Worker

	hooksOnce sync.Once
	exitOnce  sync.Once
	exitErr   error
}

// New returns a Reaper for a fresh session. Nothing is started until Start.
func New(cli runtime.Client, opts ...Option) *Reaper {
	r := &Reaper{
		cli:        cli,
		image:      config.DefaultReaperImage,
		sessionID:  uuid.NewString(),
		dialer:     &net.Dialer{Timeout: dialTimeout},
		markerPath: config.DefaultMarkerPath,
		signals:    true,
		recheck:    recheckInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.images == nil {
		r.images = image.NewResolver(cli)
	}
	r.connector = batch.New(r.connect)
	r.sender = batch.New(r.send)
	return r
}

func (r *Reaper) SessionID() string { return r.sessionID }

// Labels returns the labels that mark a resource as owned by this session.
func (r *Reaper) Labels() map[string]string {
	return map[string]string{
		LabelNamespace: "true",
		SessionLabel:   r.sessionID,
	}
}

func (r *Reaper) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SidecarID returns the id of the sidecar container, or "" before Start.
func (r *Reaper) SidecarID() string {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	if r.sidecar == nil {
		return ""
	}
	return r.sidecar.ID()
}

// Start runs the sidecar and registers the session filter. Only the first
// successful call does any work; concurrent callers wait for it.
func (r *Reaper) Start(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	switch r.State() {
	case Disposed:
		return ErrDisposed
	case Starting, Connected, Reconnecting:
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := o11y.Tracer().Start(ctx, "reaper.Start")
	defer span.End()
	ctx = log.With(ctx, o11y.AttrSession, r.sessionID)

	sidecar := container.New(r.cli, container.Spec{
		Image:        r.image,
		ExposedPorts: []int{controlPort},
		Binds: []container.Bind{{
			HostPath:      dockerSocket,
			ContainerPath: dockerSocket,
			Mode:          container.ReadOnly,
		}},
		AutoRemove: true,
		Wait:       &wait.ExposedPorts{Dialer: r.dialer},
		Hooks: container.Hooks{
			ServiceStarted: r.attach,
			Stopping: func(context.Context, *container.Container) error {
				r.detach()
				return nil
			},
		},
	},
		container.WithImageResolver(r.images),
		container.WithMarkerPath(r.markerPath),
	)

	log.Info(ctx, "starting resource reaper", o11y.AttrImage, r.image)
	if err := sidecar.Start(ctx); err != nil {
		if sidecar.ID() != "" {
			_ = sidecar.Stop(context.WithoutCancel(ctx))
		}
		return fmt.Errorf("starting resource reaper sidecar: %w", err)
	}
	r.sidecar = sidecar

	r.registerHooks(ctx)
	r.connector.Notify()

	fctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := r.Flush(fctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Not fatal: the workers keep retrying in the background.
		log.Warn(ctx, "resource reaper has not acknowledged the session filter yet", "error", err)
	}

	log.Info(ctx, "resource reaper started", o11y.AttrContainerID, sidecar.ID())
	return nil
}

// attach points the workers at the sidecar once its control port answers.
func (r *Reaper) attach(ctx context.Context, sidecar *container.Container) error {
	host, err := sidecar.Host(ctx)
	if err != nil {
		return fmt.Errorf("resolving resource reaper host: %w", err)
	}
	port, err := sidecar.MappedPort(controlPort)
	if err != nil {
		return fmt.Errorf("resolving resource reaper port: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Disposed {
		return ErrDisposed
	}
	r.addr = net.JoinHostPort(host, strconv.Itoa(port))
	r.state = Starting
	r.exited = false
	// The session filter goes first so that everything this process creates
	// is covered even if individual registrations never make it.
	r.pending = append([]string{LabelsFilter(r.Labels())}, r.pending...)
	return nil
}

// detach drops the connection when the sidecar itself is being stopped.
func (r *Reaper) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited = true
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn, r.rw = nil, nil
	}
}

// RegisterFilter queues a filter for the sidecar. Filters registered before
// Start are sent once the sidecar is up.
func (r *Reaper) RegisterFilter(filter string) error {
	r.mu.Lock()
	if r.state == Disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	r.pending = append(r.pending, filter)
	r.mu.Unlock()

	r.sender.Notify()
	return nil
}

// RegisterLabels is RegisterFilter for a label set.
func (r *Reaper) RegisterLabels(labels map[string]string) error {
	return r.RegisterFilter(LabelsFilter(labels))
}

// RegisterImageForCleanup marks an image for forced removal by the exit
// hook. The sidecar cannot remove images, so this happens in-process.
func (r *Reaper) RegisterImageForCleanup(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.cleanup, ref) {
		r.cleanup = append(r.cleanup, ref)
	}
}

// Pending returns the filters not yet acknowledged by the sidecar.
func (r *Reaper) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending)
}

// KillConnection drops the connection to the sidecar as a network failure
// would. The connector redials on its own.
func (r *Reaper) KillConnection() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.drop(conn)
	r.connector.Notify()
}

// IsConnected waits for both workers to service the work already handed to
// them and then reports whether the sidecar connection is up.
func (r *Reaper) IsConnected(ctx context.Context) bool {
	for _, w := range []*batch.Worker{r.sender, r.connector, r.sender} {
		if err := w.Wait(ctx); err != nil {
			return false
		}
	}
	return r.State() == Connected
}

// Flush blocks until the connection is up and every pending filter has been
// acknowledged, or ctx is done.
func (r *Reaper) Flush(ctx context.Context) error {
	return kwait.PollUntilContextCancel(ctx, 10*time.Millisecond, true, func(context.Context) (bool, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		switch r.state {
		case Disposed:
			return false, ErrDisposed
		case Connected:
			return len(r.pending) == 0, nil
		default:
			return false, nil
		}
	})
}

func (r *Reaper) connect(ctx context.Context) {
	r.mu.Lock()
	if r.state == Disposed || r.exited || r.addr == "" {
		r.mu.Unlock()
		return
	}
	conn, rw, addr := r.conn, r.rw, r.addr
	r.mu.Unlock()

	if conn != nil {
		if r.alive(conn, rw) {
			r.sender.Notify()
			r.connector.NotifyAfter(r.recheck)
			return
		}
		log.Debug(ctx, "resource reaper connection lost, reconnecting", "address", addr)
		r.drop(conn)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := r.dialer.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Debug(ctx, "connecting to resource reaper failed, retrying", "address", addr, "error", err)
		r.mu.Lock()
		if r.state != Disposed {
			r.state = Reconnecting
		}
		r.mu.Unlock()
		r.connector.NotifyAfter(reconnectDelay)
		return
	}

	r.mu.Lock()
	if r.state == Disposed || r.exited {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	r.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	r.state = Connected
	r.mu.Unlock()

	log.Debug(ctx, "connected to resource reaper", "address", addr)
	r.sender.Notify()
	r.connector.NotifyAfter(r.recheck)
}

// alive reports whether the peer still holds conn open. The sidecar never
// speaks unprompted, so a read that times out means the connection is idle
// and healthy while EOF or a reset means it is gone. A connection busy with
// a delivery counts as alive; the sender notices failures itself.
func (r *Reaper) alive(conn net.Conn, rw *bufio.ReadWriter) bool {
	if !r.ioMu.TryLock() {
		return true
	}
	defer r.ioMu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(livenessWindow)); err != nil {
		return false
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, err := rw.Peek(1)
	if err == nil {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (r *Reaper) send(ctx context.Context) {
	r.mu.Lock()
	conn, rw := r.conn, r.rw
	filters := slices.Clone(r.pending)
	r.mu.Unlock()

	if len(filters) == 0 {
		return
	}
	if conn == nil {
		r.connector.Notify()
		return
	}

	r.ioMu.Lock()
	defer r.ioMu.Unlock()
	for _, filter := range filters {
		if err := deliver(ctx, conn, rw, filter); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug(ctx, "sending filter to resource reaper failed, reconnecting", "error", err)
			r.drop(conn)
			r.connector.Notify()
			return
		}

		r.mu.Lock()
		if i := slices.Index(r.pending, filter); i >= 0 {
			r.pending = slices.Delete(r.pending, i, i+1)
		}
		r.mu.Unlock()
	}
}

// deliver writes one filter and reads lines until the sidecar acknowledges
// it. A connection closed before ACK is an error.
func deliver(ctx context.Context, conn net.Conn, rw *bufio.ReadWriter, filter string) error {
	deadline := time.Now().Add(ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := rw.WriteString(filter + "\n"); err != nil {
		return fmt.Errorf("writing filter: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("writing filter: %w", err)
	}

	for {
		line, err := rw.ReadString('\n')
		if strings.EqualFold(strings.TrimSpace(line), "ACK") {
			return nil
		}
		if err != nil {
			return fmt.Errorf("waiting for acknowledgement: %w", err)
		}
	}
}

func (r *Reaper) drop(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	_ = conn.Close()
	r.conn, r.rw = nil, nil
	if r.state != Disposed {
		r.state = Reconnecting
	}
}

// registerHooks arranges for the exit hook to run on SIGINT and SIGTERM.
// Normal exits run it through Close or RunMain.
func (r *Reaper) registerHooks(ctx context.Context) {
	r.hooksOnce.Do(func() {
		if !r.signals {
			return
		}

		ch := make(chan os.Signal, 1)
		done := make(chan struct{})
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

		r.mu.Lock()
		r.stopSigs = func() {
			signal.Stop(ch)
			close(done)
		}
		r.mu.Unlock()

		ctx := context.WithoutCancel(ctx)
		go func() {
			select {
			case sig := <-ch:
				log.Warn(ctx, "received signal, cleaning up", "signal", sig.String())
				_ = r.ExitHook(ctx)
				signal.Stop(ch)
				reraise(sig)
			case <-done:
			}
		}()
	})
}

func reraise(sig os.Signal) {
	p, err := os.FindProcess(os.Getpid())
	if err == nil && p.Signal(sig) == nil {
		return
	}
	os.Exit(1)
}

// ExitHook is the best-effort cleanup that runs when the process ends. It
// gives pending filters a short chance to reach the sidecar, removes images
// registered for cleanup, and closes the sidecar connection so the sidecar
// starts reaping. It runs at most once.
func (r *Reaper) ExitHook(ctx context.Context) error {
	r.exitOnce.Do(func() {
		if r.State() != NotStarted {
			fctx, cancel := context.WithTimeout(ctx, exitFlush)
			if err := r.Flush(fctx); err != nil {
				log.Warn(ctx, "resource reaper filters still pending at exit", "pending", len(r.Pending()), "error", err)
			}
			cancel()
		}

		r.exitErr = r.removeImages(ctx)

		r.mu.Lock()
		r.exited = true
		if r.conn != nil {
			_ = r.conn.Close()
			r.conn, r.rw = nil, nil
		}
		r.mu.Unlock()
	})
	return r.exitErr
}

func (r *Reaper) removeImages(ctx context.Context) error {
	r.mu.Lock()
	refs := slices.Clone(r.cleanup)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ref := range refs {
		g.Go(func() error {
			if err := r.cli.RemoveImage(gctx, ref); err != nil && !runtime.IsNotFound(err) {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Close stops both workers, waits for them, and drops the connection. The
// sidecar is left running: once it notices the closed connection it removes
// everything this session registered and then itself.
func (r *Reaper) Close() error {
	r.mu.Lock()
	if r.state == Disposed {
		r.mu.Unlock()
		return nil
	}
	r.state = Disposed
	conn := r.conn
	r.conn, r.rw = nil, nil
	stop := r.stopSigs
	r.stopSigs = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	r.connector.Close()
	r.sender.Close()

	if stop != nil {
		stop()
	}
	return err
}
