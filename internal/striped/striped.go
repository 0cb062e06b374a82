// Package striped provides mutual exclusion keyed by string, so that work on
// unrelated keys never contends.
package striped

import (
	"context"
	"sync"
)

type Locks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func New() *Locks {
	return &Locks{locks: make(map[string]chan struct{})}
}

func (l *Locks) get(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Lock acquires the lock for key, or returns ctx.Err() if ctx is done first.
// The returned function releases the lock.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := l.get(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
