// Package deadline bounds blocking calls by their context, whether or not the
// callee watches it.
package deadline

import (
	"context"
	"fmt"
)

type result[T any] struct {
	v   T
	err error
}

// Run calls fn(ctx) and returns its result, or ctx.Err() as soon as ctx is
// done. A call abandoned this way keeps running in its own goroutine until it
// returns; its result is dropped. A panic in fn comes back as an error.
func Run[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := make(chan result[T], 1)
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r = result[T]{err: fmt.Errorf("deadline.Run: panic: %v", p)}
			}
			ch <- r
		}()
		r.v, r.err = fn(ctx)
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		// a result that raced the deadline still wins
		select {
		case r := <-ch:
			return r.v, r.err
		default:
		}
		return zero, ctx.Err()
	}
}
