package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// lock is held exclusively while a connection is being established and shared while
// requests are written, so a request issued mid-handshake waits for its outcome. Every
// acquisition gives up when its context ends.
type lock struct {
	c  chan struct{}
	wg *sync.WaitGroup
}

func newLock() *lock {
	l := &lock{
		c:  make(chan struct{}, 1),
		wg: &sync.WaitGroup{},
	}
	l.Unlock()

	return l
}

func (l *lock) Lock(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "lock context closed")
	case <-l.c:
		l.wg.Wait()
		return nil
	}
}

func (l *lock) Unlock() {
	l.c <- struct{}{}
}

func (l *lock) RLock(ctx context.Context) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	l.wg.Add(1)
	l.Unlock()

	return nil
}

func (l *lock) RUnlock() {
	l.wg.Done()
}
