package aws

import (
	"context"
	"net/http"
	"sync"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// idleCloser is implemented by HTTP clients that pool connections.
type idleCloser interface {
	CloseIdleConnections()
}

// DynamoDBClientImpl implements ClosableDynamoDBClient on top of the SDK client.
type DynamoDBClientImpl struct {
	client *dynamodb.Client
	idle   idleCloser
	once   sync.Once
}

// NewDynamoDBClient wraps an existing SDK client. Close is a no-op for clients
// whose transport is owned elsewhere.
func NewDynamoDBClient(client *dynamodb.Client) *DynamoDBClientImpl {
	return &DynamoDBClientImpl{client: client}
}

// NewDynamoDBClientFromConfig builds a client from cfg. When cfg carries no HTTP
// client, one is created and owned by the returned value so Close can release
// its pooled connections.
func NewDynamoDBClientFromConfig(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) *DynamoDBClientImpl {
	var idle idleCloser
	if cfg.HTTPClient == nil {
		httpClient := &http.Client{Transport: awshttp.NewBuildableClient().GetTransport()}
		cfg.HTTPClient = httpClient
		idle = httpClient
	} else if c, ok := cfg.HTTPClient.(idleCloser); ok {
		idle = c
	}
	return &DynamoDBClientImpl{
		client: dynamodb.NewFromConfig(cfg, optFns...),
		idle:   idle,
	}
}

// Close releases pooled connections. Calling it more than once is safe.
func (c *DynamoDBClientImpl) Close() error {
	c.once.Do(func() {
		if c.idle != nil {
			c.idle.CloseIdleConnections()
		}
	})
	return nil
}

func (c *DynamoDBClientImpl) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return c.client.GetItem(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return c.client.PutItem(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return c.client.UpdateItem(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return c.client.DeleteItem(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return c.client.Query(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return c.client.Scan(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	return c.client.BatchGetItem(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return c.client.BatchWriteItem(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error) {
	return c.client.TransactGetItems(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	return c.client.TransactWriteItems(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) ExecuteStatement(ctx context.Context, params *dynamodb.ExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error) {
	return c.client.ExecuteStatement(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) ExecuteTransaction(ctx context.Context, params *dynamodb.ExecuteTransactionInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteTransactionOutput, error) {
	return c.client.ExecuteTransaction(ctx, params, optFns...)
}

func (c *DynamoDBClientImpl) BatchExecuteStatement(ctx context.Context, params *dynamodb.BatchExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchExecuteStatementOutput, error) {
	return c.client.BatchExecuteStatement(ctx, params, optFns...)
}

// S3ClientImpl implements S3Client using the AWS SDK.
type S3ClientImpl struct {
	client *s3.Client
}

// NewS3Client creates a new S3ClientImpl instance
func NewS3Client(client *s3.Client) *S3ClientImpl {
	return &S3ClientImpl{client: client}
}

func (c *S3ClientImpl) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return c.client.GetObject(ctx, params, optFns...)
}

func (c *S3ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return c.client.PutObject(ctx, params, optFns...)
}

func (c *S3ClientImpl) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return c.client.HeadObject(ctx, params, optFns...)
}

// IAMClientImpl implements IAMClient using the AWS SDK.
type IAMClientImpl struct {
	client *iam.Client
}

// NewIAMClient creates a new IAMClientImpl instance
func NewIAMClient(client *iam.Client) *IAMClientImpl {
	return &IAMClientImpl{client: client}
}

func (c *IAMClientImpl) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	return c.client.SimulatePrincipalPolicy(ctx, params, optFns...)
}
