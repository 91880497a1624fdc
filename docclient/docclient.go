// Package docclient provides the document-level DynamoDB client: a thin
// command dispatcher over the low-level client, plus helpers that convert
// between native Go values and attribute value maps.
package docclient

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gurre/ddb-effect/aws"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("docclient: client is closed")

// Command is one request ready to be dispatched against a DynamoDB client.
type Command interface {
	// OperationName is the service operation, e.g. "GetItem".
	OperationName() string
	// Input is the request parameters.
	Input() any
	Execute(ctx context.Context, api aws.DynamoDBClient, optFns ...func(*dynamodb.Options)) (any, error)
}

// Client sends commands and can be shut down.
type Client interface {
	Send(ctx context.Context, cmd Command, optFns ...func(*dynamodb.Options)) (any, error)
	Close() error
}

// Option configures a DocumentClient.
type Option func(*DocumentClient)

// WithLogger sets the logger used for per-command debug events.
func WithLogger(l zerolog.Logger) Option {
	return func(c *DocumentClient) {
		c.logger = l
	}
}

// DocumentClient dispatches commands to a low-level client. It does not own
// the low-level client: Close stops this client only.
type DocumentClient struct {
	api    aws.DynamoDBClient
	logger zerolog.Logger
	closed atomic.Bool
}

var _ Client = (*DocumentClient)(nil)

// From builds a document client over api.
func From(api aws.DynamoDBClient, opts ...Option) *DocumentClient {
	c := &DocumentClient{
		api:    api,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send executes cmd exactly once. Failures are returned as produced by the
// low-level client.
func (c *DocumentClient) Send(ctx context.Context, cmd Command, optFns ...func(*dynamodb.Options)) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	start := time.Now()
	out, err := cmd.Execute(ctx, c.api, optFns...)
	c.logger.Debug().
		Str("operation", cmd.OperationName()).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("dynamodb command sent")
	return out, err
}

// Close marks the client closed. It is safe to call more than once.
func (c *DocumentClient) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("document client closed")
	}
	return nil
}
