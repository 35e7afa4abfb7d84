// Package groutine starts goroutines carrying a pprof "goroutine_name" label so that
// long-lived loops (scan pumps, disconnect monitors, event dispatchers) can be told apart
// in profiles and goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey struct{}

// Go runs fn in a new goroutine labelled with name. A nil parent means context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the label given to the goroutine that owns ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}

// Group is a set of labelled goroutines that can be waited on together.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn as part of the group.
func (g *Group) Go(parent context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parent, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started through the group has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
