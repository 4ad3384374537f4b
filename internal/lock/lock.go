// Package lock serializes mutations of a single access request.
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock for key, blocking until it is held or
// ctx is done. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process Locker with one mutex per key.
type Local struct {
	locks sync.Map
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	v, _ := l.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := v.(chan struct{})

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
