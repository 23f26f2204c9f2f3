// Package coalesce merges concurrent calls that share a key into a single
// underlying call.
//
// Unlike singleflight, waiters are reference counted: a caller that gives up
// (its context is done) only detaches itself. The shared call keeps running
// while any waiter remains and is canceled when the last one leaves.
package coalesce

import (
	"context"
	"sync"
)

type call struct {
	done    chan struct{}
	val     any
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Group tracks in-flight calls by key. The zero value is ready to use.
type Group struct {
	mu    sync.Mutex
	calls map[string]*call
}

// Do runs fn once for all concurrent callers with the same key. fn receives a
// context detached from any single caller. shared reports whether this
// caller joined a call started by another.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call)
	}
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()
		v, err = g.wait(ctx, key, c)
		return v, err, true
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		defer cancel()
		c.val, c.err = fn(callCtx)

		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()

	v, err = g.wait(ctx, key, c)
	return v, err, false
}

func (g *Group) wait(ctx context.Context, key string, c *call) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	c.waiters--
	last := c.waiters == 0
	if last && g.calls[key] == c {
		delete(g.calls, key)
	}
	g.mu.Unlock()

	if last {
		c.cancel()
	}
	return nil, ctx.Err()
}

// Waiters returns the number of callers waiting on key's running call.
func (g *Group) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}

// InFlight returns the number of keys with a running call.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
