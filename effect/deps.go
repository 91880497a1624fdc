package effect

import (
	"context"
	"errors"
	"fmt"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/ddberr"
	"github.com/gurre/ddb-effect/docclient"
)

// noParams is the request value attached to lifecycle errors, which have no
// operation input.
var noParams = struct{}{}

// DocumentClientDeps is the connection dependency every operation requires.
// Both accessors return the same handle on every call for the lifetime of
// the container.
type DocumentClientDeps struct {
	DynamoDBDocumentClient func() docclient.Client
	DynamoDBClient         func() aws.ClosableDynamoDBClient
}

// ClientFactory builds the low-level client from opaque client configuration.
type ClientFactory func(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient

// DocumentClientFactory wraps a low-level client in a document client.
type DocumentClientFactory func(client aws.DynamoDBClient) docclient.Client

// DefaultClientFactory builds an SDK-backed client.
func DefaultClientFactory(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient {
	return aws.NewDynamoDBClientFromConfig(cfg, optFns...)
}

// DefaultDocumentClientFactory wraps client with docclient.From.
func DefaultDocumentClientFactory(client aws.DynamoDBClient) docclient.Client {
	return docclient.From(client)
}

// ClientFactoryDeps supplies the low-level client factory.
type ClientFactoryDeps struct {
	DynamoDBClientFactory ClientFactory
}

// DocumentClientFactoryDeps supplies both factories.
type DocumentClientFactoryDeps struct {
	DynamoDBClientFactory         ClientFactory
	DynamoDBDocumentClientFactory DocumentClientFactory
}

// DefaultClientFactoryDeps returns the production low-level factory.
func DefaultClientFactoryDeps() ClientFactoryDeps {
	return ClientFactoryDeps{DynamoDBClientFactory: DefaultClientFactory}
}

// DefaultDocumentClientFactoryDeps returns the production factories.
func DefaultDocumentClientFactoryDeps() DocumentClientFactoryDeps {
	return DocumentClientFactoryDeps{
		DynamoDBClientFactory:         DefaultClientFactory,
		DynamoDBDocumentClientFactory: DefaultDocumentClientFactory,
	}
}

func depsOf(client aws.ClosableDynamoDBClient, doc docclient.Client) DocumentClientDeps {
	return DocumentClientDeps{
		DynamoDBDocumentClient: func() docclient.Client { return doc },
		DynamoDBClient:         func() aws.ClosableDynamoDBClient { return client },
	}
}

// DefaultDocumentClientDeps eagerly builds one low-level client and one
// document client from cfg with the default factories.
func DefaultDocumentClientDeps(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) DocumentClientDeps {
	client := DefaultClientFactory(cfg, optFns...)
	return depsOf(client, DefaultDocumentClientFactory(client))
}

// CreateDynamoDBClient builds only the low-level client with an injected factory.
func CreateDynamoDBClient(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) Effect[ClientFactoryDeps, aws.ClosableDynamoDBClient] {
	return func(ctx context.Context, factories ClientFactoryDeps) (client aws.ClosableDynamoDBClient, err error) {
		defer func() {
			if r := recover(); r != nil {
				client, err = nil, ddberr.From(noParams, r)
			}
		}()

		client = factories.DynamoDBClientFactory(cfg, optFns...)
		if client == nil {
			return nil, ddberr.From(noParams, errors.New("dynamodb client factory returned nil"))
		}
		return client, nil
	}
}

// CreateDocumentClientDeps builds the container with injected factories.
// A factory that panics or returns nil fails the effect with a *ddberr.Error.
func CreateDocumentClientDeps(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) Effect[DocumentClientFactoryDeps, DocumentClientDeps] {
	return func(ctx context.Context, factories DocumentClientFactoryDeps) (deps DocumentClientDeps, err error) {
		defer func() {
			if r := recover(); r != nil {
				deps, err = DocumentClientDeps{}, ddberr.From(noParams, r)
			}
		}()

		client := factories.DynamoDBClientFactory(cfg, optFns...)
		if client == nil {
			return DocumentClientDeps{}, ddberr.From(noParams, errors.New("dynamodb client factory returned nil"))
		}
		doc := factories.DynamoDBDocumentClientFactory(client)
		if doc == nil {
			return DocumentClientDeps{}, ddberr.From(noParams, errors.New("document client factory returned nil"))
		}
		return depsOf(client, doc), nil
	}
}

// CleanupDocumentClientDeps returns a task that shuts down the document client
// and then the low-level client, each once per run. Failures of either step,
// returned or panicked, are joined into one *ddberr.Error.
func CleanupDocumentClientDeps(deps DocumentClientDeps) Task[struct{}] {
	return func(ctx context.Context) (struct{}, error) {
		var errs []error
		if err := closeHandle("document client", func() error { return deps.DynamoDBDocumentClient().Close() }); err != nil {
			errs = append(errs, err)
		}
		if err := closeHandle("dynamodb client", func() error { return deps.DynamoDBClient().Close() }); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return struct{}{}, ddberr.From(noParams, errors.Join(errs...))
		}
		return struct{}{}, nil
	}
}

func closeHandle(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
