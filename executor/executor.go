// Package executor runs decoded requests through the effect operation set.
//
// Operations never retry on their own. The executor is the caller that
// decides: throttling failures are retried with exponential backoff and
// jitter, everything else is returned as is.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gurre/ddb-effect/ddberr"
	"github.com/gurre/ddb-effect/effect"
	"github.com/gurre/ddb-effect/metrics"
	"github.com/gurre/ddb-effect/request"
	"github.com/rs/zerolog"
)

// ErrUnsupported is returned for request parameters with no matching operation.
var ErrUnsupported = errors.New("unsupported request parameters")

// Outcome describes a finished request.
type Outcome struct {
	Op       string
	Items    int32 // Items returned or written
	Attempts int
	Skipped  bool // Not sent because of dry run
}

// Executor runs one request.
type Executor interface {
	Execute(ctx context.Context, req request.Request) (Outcome, error)
}

// Options tune an EffectExecutor.
type Options struct {
	MaxRetries     int           // Extra attempts for throttled requests
	RequestTimeout time.Duration // Per attempt; zero disables
	DryRun         bool
	BaseDelay      time.Duration // Defaults to 100ms
	MaxDelay       time.Duration // Defaults to 30s
}

// EffectExecutor runs requests against the connection dependency it was
// built with.
type EffectExecutor struct {
	deps    effect.DocumentClientDeps
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options
	wait    func(ctx context.Context, attempt int) bool
}

// New creates an EffectExecutor. A nil m records into a throwaway Metrics.
func New(deps effect.DocumentClientDeps, m *metrics.Metrics, logger zerolog.Logger, opts Options) *EffectExecutor {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	e := &EffectExecutor{deps: deps, metrics: m, logger: logger, opts: opts}
	e.wait = e.backoffWait
	return e
}

// Execute sends req, retrying throttled attempts up to MaxRetries times.
func (e *EffectExecutor) Execute(ctx context.Context, req request.Request) (Outcome, error) {
	if e.opts.DryRun {
		e.metrics.RecordSkipped(req.Op)
		e.logger.Debug().Str("id", req.ID).Str("op", req.Op).Msg("dry run, request not sent")
		return Outcome{Op: req.Op, Skipped: true}, nil
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		out, err := e.attempt(ctx, req)
		elapsed := time.Since(start)
		out.Op = req.Op
		out.Attempts = attempt + 1

		if err == nil {
			e.metrics.RecordRequest(req.Op, elapsed, "")
			return out, nil
		}
		if ddberr.IsThrottled(err) && attempt < e.opts.MaxRetries {
			e.metrics.RecordRetry(req.Op)
			e.logger.Warn().Err(err).Str("id", req.ID).Str("op", req.Op).Int("attempt", out.Attempts).Msg("throttled, backing off")
			if !e.wait(ctx, attempt) {
				e.metrics.RecordRequest(req.Op, elapsed, errorName(err))
				return out, ctx.Err()
			}
			continue
		}

		e.metrics.RecordRequest(req.Op, elapsed, errorName(err))
		return out, err
	}
}

func (e *EffectExecutor) attempt(ctx context.Context, req request.Request) (Outcome, error) {
	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()
	}
	eff, err := operation(req)
	if err != nil {
		return Outcome{}, err
	}
	return eff.Run(ctx, e.deps)
}

// operation selects the effect for the concrete parameter type.
func operation(req request.Request) (effect.Effect[effect.DocumentClientDeps, Outcome], error) {
	switch p := req.Params.(type) {
	case *dynamodb.GetItemInput:
		return effect.Map(effect.GetItem(p), func(r effect.Result[dynamodb.GetItemInput, dynamodb.GetItemOutput]) Outcome {
			if r.Output.Item == nil {
				return Outcome{}
			}
			return Outcome{Items: 1}
		}), nil
	case *dynamodb.PutItemInput:
		return effect.Map(effect.PutItem(p), func(effect.Result[dynamodb.PutItemInput, dynamodb.PutItemOutput]) Outcome {
			return Outcome{Items: 1}
		}), nil
	case *dynamodb.UpdateItemInput:
		return effect.Map(effect.UpdateItem(p), func(effect.Result[dynamodb.UpdateItemInput, dynamodb.UpdateItemOutput]) Outcome {
			return Outcome{Items: 1}
		}), nil
	case *dynamodb.DeleteItemInput:
		return effect.Map(effect.DeleteItem(p), func(effect.Result[dynamodb.DeleteItemInput, dynamodb.DeleteItemOutput]) Outcome {
			return Outcome{Items: 1}
		}), nil
	case *dynamodb.QueryInput:
		return effect.Map(effect.Query(p), func(r effect.Result[dynamodb.QueryInput, dynamodb.QueryOutput]) Outcome {
			return Outcome{Items: r.Output.Count}
		}), nil
	case *dynamodb.ScanInput:
		return effect.Map(effect.Scan(p), func(r effect.Result[dynamodb.ScanInput, dynamodb.ScanOutput]) Outcome {
			return Outcome{Items: r.Output.Count}
		}), nil
	case *dynamodb.ExecuteStatementInput:
		return effect.Map(effect.ExecuteStatement(p), func(r effect.Result[dynamodb.ExecuteStatementInput, dynamodb.ExecuteStatementOutput]) Outcome {
			return Outcome{Items: int32(len(r.Output.Items))}
		}), nil
	}
	return nil, fmt.Errorf("%w: %s with %T", ErrUnsupported, req.Op, req.Params)
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func (e *EffectExecutor) backoffWait(ctx context.Context, attempt int) bool {
	delay := e.opts.BaseDelay * time.Duration(1<<uint(min(attempt, 30)))
	if delay > e.opts.MaxDelay || delay <= 0 {
		delay = e.opts.MaxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorName(err error) string {
	if de, ok := ddberr.As(err); ok {
		return de.Name
	}
	return "Error"
}
