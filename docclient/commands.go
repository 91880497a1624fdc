package docclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gurre/ddb-effect/aws"
)

// Invoker calls one method of the low-level client. Method expressions such
// as aws.DynamoDBClient.GetItem have this shape.
type Invoker[I, O any] func(api aws.DynamoDBClient, ctx context.Context, params *I, optFns ...func(*dynamodb.Options)) (*O, error)

// TypedCommand is a Command whose input and output types are known.
type TypedCommand[I, O any] struct {
	name   string
	params *I
	invoke Invoker[I, O]
}

// Constructor builds a command from request parameters.
type Constructor[I, O any] func(params *I) *TypedCommand[I, O]

// NewCommand returns the constructor for the named operation.
func NewCommand[I, O any](name string, invoke Invoker[I, O]) Constructor[I, O] {
	return func(params *I) *TypedCommand[I, O] {
		return &TypedCommand[I, O]{name: name, params: params, invoke: invoke}
	}
}

func (c *TypedCommand[I, O]) OperationName() string { return c.name }

func (c *TypedCommand[I, O]) Input() any { return c.params }

// Params returns the typed request parameters.
func (c *TypedCommand[I, O]) Params() *I { return c.params }

// Execute runs the command against api and returns a *O.
func (c *TypedCommand[I, O]) Execute(ctx context.Context, api aws.DynamoDBClient, optFns ...func(*dynamodb.Options)) (any, error) {
	out, err := c.invoke(api, ctx, c.params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var (
	GetCommand    = NewCommand[dynamodb.GetItemInput, dynamodb.GetItemOutput]("GetItem", aws.DynamoDBClient.GetItem)
	PutCommand    = NewCommand[dynamodb.PutItemInput, dynamodb.PutItemOutput]("PutItem", aws.DynamoDBClient.PutItem)
	UpdateCommand = NewCommand[dynamodb.UpdateItemInput, dynamodb.UpdateItemOutput]("UpdateItem", aws.DynamoDBClient.UpdateItem)
	DeleteCommand = NewCommand[dynamodb.DeleteItemInput, dynamodb.DeleteItemOutput]("DeleteItem", aws.DynamoDBClient.DeleteItem)
	QueryCommand  = NewCommand[dynamodb.QueryInput, dynamodb.QueryOutput]("Query", aws.DynamoDBClient.Query)
	ScanCommand   = NewCommand[dynamodb.ScanInput, dynamodb.ScanOutput]("Scan", aws.DynamoDBClient.Scan)

	BatchGetCommand   = NewCommand[dynamodb.BatchGetItemInput, dynamodb.BatchGetItemOutput]("BatchGetItem", aws.DynamoDBClient.BatchGetItem)
	BatchWriteCommand = NewCommand[dynamodb.BatchWriteItemInput, dynamodb.BatchWriteItemOutput]("BatchWriteItem", aws.DynamoDBClient.BatchWriteItem)

	TransactGetCommand   = NewCommand[dynamodb.TransactGetItemsInput, dynamodb.TransactGetItemsOutput]("TransactGetItems", aws.DynamoDBClient.TransactGetItems)
	TransactWriteCommand = NewCommand[dynamodb.TransactWriteItemsInput, dynamodb.TransactWriteItemsOutput]("TransactWriteItems", aws.DynamoDBClient.TransactWriteItems)

	ExecuteStatementCommand      = NewCommand[dynamodb.ExecuteStatementInput, dynamodb.ExecuteStatementOutput]("ExecuteStatement", aws.DynamoDBClient.ExecuteStatement)
	ExecuteTransactionCommand    = NewCommand[dynamodb.ExecuteTransactionInput, dynamodb.ExecuteTransactionOutput]("ExecuteTransaction", aws.DynamoDBClient.ExecuteTransaction)
	BatchExecuteStatementCommand = NewCommand[dynamodb.BatchExecuteStatementInput, dynamodb.BatchExecuteStatementOutput]("BatchExecuteStatement", aws.DynamoDBClient.BatchExecuteStatement)
)
