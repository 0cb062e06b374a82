// Package batch implements a coalescing background worker. Notifications that
// arrive while a cycle is running collapse into a single follow-up cycle, and
// two cycles of the same worker never overlap.
package batch

import (
	"context"
	"sync"
	"time"
)

type Func func(ctx context.Context)

type Worker struct {
	fn Func

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	more    bool
	closed  bool
	idle    chan struct{}
	timer   *time.Timer
	timerAt time.Time
	gen     uint64
}

// New returns a Worker that runs fn on every cycle. The context passed to fn
// is canceled by Close.
func New(fn Func) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Worker{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		idle:   idle,
	}
}

// Notify starts a cycle if the worker is idle, otherwise it flags that one
// more cycle is needed once the current one finishes.
func (w *Worker) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.running {
		w.more = true
		return
	}

	w.running = true
	w.idle = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
}

// NotifyAfter schedules a Notify after d. If an earlier schedule is already
// pending it wins and this call is dropped.
func (w *Worker) NotifyAfter(d time.Duration) {
	w.NotifyAt(time.Now().Add(d))
}

// NotifyAt schedules a Notify at t. See NotifyAfter.
func (w *Worker) NotifyAt(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		if !w.timerAt.After(t) {
			return
		}
		w.timer.Stop()
	}

	w.gen++
	gen := w.gen
	w.timerAt = t
	w.timer = time.AfterFunc(time.Until(t), func() {
		w.mu.Lock()
		if w.gen == gen {
			w.timer = nil
		}
		w.mu.Unlock()
		w.Notify()
	})
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		w.fn(w.ctx)

		w.mu.Lock()
		if w.more && !w.closed {
			w.more = false
			w.mu.Unlock()
			continue
		}
		w.more = false
		w.running = false
		close(w.idle)
		w.mu.Unlock()
		return
	}
}

// Wait blocks until the worker has no cycle in flight and no coalesced
// notification pending.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels pending schedules and the context handed to fn, then joins
// any cycle still running. It is safe to call more than once.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}
