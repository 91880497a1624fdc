// Package effect exposes DynamoDB operations as deferred, composable values.
//
// An Effect describes work that needs an environment (typically the
// connection dependency container) and produces a value or fails with an
// error. Nothing happens until the effect is run:
//
//	deps := effect.DefaultDocumentClientDeps(cfg)
//	defer effect.CleanupDocumentClientDeps(deps)(ctx)
//
//	res, err := effect.GetItem(&dynamodb.GetItemInput{...}).Run(ctx, deps)
package effect

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Effect is a deferred computation requiring env of type R and producing A.
type Effect[R, A any] func(ctx context.Context, env R) (A, error)

// Task is an effect whose requirements have been satisfied.
type Task[A any] func(ctx context.Context) (A, error)

// Run executes the effect.
func (e Effect[R, A]) Run(ctx context.Context, env R) (A, error) {
	return e(ctx, env)
}

// Provide binds env, turning the effect into a Task.
func (e Effect[R, A]) Provide(env R) Task[A] {
	return func(ctx context.Context) (A, error) {
		return e(ctx, env)
	}
}

// Succeed is an effect that always produces a.
func Succeed[R, A any](a A) Effect[R, A] {
	return func(context.Context, R) (A, error) {
		return a, nil
	}
}

// Fail is an effect that always fails with err.
func Fail[R, A any](err error) Effect[R, A] {
	return func(context.Context, R) (A, error) {
		var zero A
		return zero, err
	}
}

// Map transforms the value produced by eff.
func Map[R, A, B any](eff Effect[R, A], f func(A) B) Effect[R, B] {
	return func(ctx context.Context, env R) (B, error) {
		a, err := eff(ctx, env)
		if err != nil {
			var zero B
			return zero, err
		}
		return f(a), nil
	}
}

// FlatMap sequences eff with the effect chosen from its value.
func FlatMap[R, A, B any](eff Effect[R, A], f func(A) Effect[R, B]) Effect[R, B] {
	return func(ctx context.Context, env R) (B, error) {
		a, err := eff(ctx, env)
		if err != nil {
			var zero B
			return zero, err
		}
		return f(a)(ctx, env)
	}
}

// All runs effs concurrently and collects their values in input order. The
// first failure cancels the context passed to the others and is returned.
// Completion order is not defined.
func All[R, A any](effs ...Effect[R, A]) Effect[R, []A] {
	return func(ctx context.Context, env R) ([]A, error) {
		out := make([]A, len(effs))
		g, gctx := errgroup.WithContext(ctx)
		for i, eff := range effs {
			g.Go(func() error {
				a, err := eff(gctx, env)
				if err != nil {
					return err
				}
				out[i] = a
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}
