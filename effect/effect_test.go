package effect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/ddberr"
	"github.com/gurre/ddb-effect/docclient"
	"github.com/gurre/ddb-effect/integration/mock"
	"github.com/stretchr/testify/assert"
	tmock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDocumentClient struct {
	tmock.Mock
}

func (m *mockDocumentClient) Send(ctx context.Context, cmd docclient.Command, optFns ...func(*dynamodb.Options)) (any, error) {
	args := m.Called(ctx, cmd, optFns)
	return args.Get(0), args.Error(1)
}

func (m *mockDocumentClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func depsWith(doc docclient.Client, api aws.ClosableDynamoDBClient) DocumentClientDeps {
	return DocumentClientDeps{
		DynamoDBDocumentClient: func() docclient.Client { return doc },
		DynamoDBClient:         func() aws.ClosableDynamoDBClient { return api },
	}
}

func getParams() *dynamodb.GetItemInput {
	return &dynamodb.GetItemInput{
		TableName: awsv2.String("t1"),
		Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "u1"}},
	}
}

func TestGetItem_Success(t *testing.T) {
	doc := &mockDocumentClient{}
	out := &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"foo": &types.AttributeValueMemberS{Value: "bar"},
	}}
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Return(out, nil).Once()

	params := getParams()
	res, err := GetItem(params).Run(context.Background(), depsWith(doc, mock.NewDynamoDBClient()))

	require.NoError(t, err)
	assert.Equal(t, &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"foo": &types.AttributeValueMemberS{Value: "bar"},
	}}, res.Output)
	assert.Same(t, params, res.Params)
	doc.AssertExpectations(t)

	cmd := doc.Calls[0].Arguments.Get(1).(docclient.Command)
	assert.Equal(t, "GetItem", cmd.OperationName())
	assert.Same(t, params, cmd.Input())
}

func TestGetItem_PanicIsNormalized(t *testing.T) {
	doc := &mockDocumentClient{}
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Panic("BOOM!")

	params := getParams()
	_, err := GetItem(params).Run(context.Background(), depsWith(doc, mock.NewDynamoDBClient()))

	assert.Equal(t, &ddberr.Error{
		Tag:     "DynamoDbError",
		Params:  params,
		Name:    "DynamoDbError",
		Message: "BOOM!",
		Cause:   "BOOM!",
	}, err)
}

func TestGetItem_ErrorIsNormalized(t *testing.T) {
	doc := &mockDocumentClient{}
	boom := errors.New("BOOM!")
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Return(nil, boom)

	params := getParams()
	_, err := GetItem(params).Run(context.Background(), depsWith(doc, mock.NewDynamoDBClient()))

	var got *ddberr.Error
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "DynamoDbError", got.Tag)
	assert.Equal(t, "BOOM!", got.Message)
	assert.Same(t, params, got.Params)
	assert.ErrorIs(t, err, boom)
}

func TestGetItem_UnexpectedOutputIsNormalized(t *testing.T) {
	doc := &mockDocumentClient{}
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Return(&dynamodb.ScanOutput{}, nil)

	_, err := GetItem(getParams()).Run(context.Background(), depsWith(doc, mock.NewDynamoDBClient()))

	var got *ddberr.Error
	require.ErrorAs(t, err, &got)
	assert.Contains(t, got.Message, "unexpected output type")
}

func TestConditionalCheckFailureIsRecognizable(t *testing.T) {
	api := mock.NewDynamoDBClient()
	api.CreateTable("t1", "id")
	api.Seed("t1", map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "u1"}})
	deps := depsWith(docclient.From(api), api)

	params := &dynamodb.PutItemInput{
		TableName:           awsv2.String("t1"),
		Item:                map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "u1"}},
		ConditionExpression: awsv2.String("attribute_not_exists(id)"),
	}
	_, err := PutItem(params).Run(context.Background(), deps)

	require.Error(t, err)
	assert.True(t, ddberr.IsConditionalCheckFailed(err))
	var cause *types.ConditionalCheckFailedException
	assert.ErrorAs(t, err, &cause)
}

func TestEffectIsLazy(t *testing.T) {
	doc := &mockDocumentClient{}
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Return(&dynamodb.GetItemOutput{}, nil)
	deps := depsWith(doc, mock.NewDynamoDBClient())

	eff := Map(GetItem(getParams()), func(r Result[dynamodb.GetItemInput, dynamodb.GetItemOutput]) int {
		return len(r.Output.Item)
	})
	doc.AssertNotCalled(t, "Send", tmock.Anything, tmock.Anything, tmock.Anything)

	n, err := eff.Run(context.Background(), deps)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	doc.AssertNumberOfCalls(t, "Send", 1)
}

func TestEachRunSendsOnce(t *testing.T) {
	doc := &mockDocumentClient{}
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Return(&dynamodb.GetItemOutput{}, nil)
	deps := depsWith(doc, mock.NewDynamoDBClient())

	eff := GetItem(getParams())
	for i := 0; i < 3; i++ {
		_, err := eff.Run(context.Background(), deps)
		require.NoError(t, err)
	}

	doc.AssertNumberOfCalls(t, "Send", 3)
}

func TestOptionsAreForwarded(t *testing.T) {
	doc := &mockDocumentClient{}
	doc.On("Send", tmock.Anything, tmock.Anything, tmock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	var applied bool
	opt := func(o *dynamodb.Options) { applied = true }
	_, err := GetItem(getParams(), opt).Run(context.Background(), depsWith(doc, mock.NewDynamoDBClient()))
	require.NoError(t, err)

	optFns := doc.Calls[0].Arguments.Get(2).([]func(*dynamodb.Options))
	require.Len(t, optFns, 1)
	optFns[0](&dynamodb.Options{})
	assert.True(t, applied)
}

func TestOperationSet(t *testing.T) {
	api := mock.NewDynamoDBClient()
	api.CreateTable("t1", "id")
	deps := depsWith(docclient.From(api), api)
	ctx := context.Background()
	key := map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "u1"}}

	tests := []struct {
		name string
		run  func() error
	}{
		{"PutItem", func() error {
			_, err := PutItem(&dynamodb.PutItemInput{TableName: awsv2.String("t1"), Item: key}).Run(ctx, deps)
			return err
		}},
		{"GetItem", func() error {
			_, err := GetItem(&dynamodb.GetItemInput{TableName: awsv2.String("t1"), Key: key}).Run(ctx, deps)
			return err
		}},
		{"UpdateItem", func() error {
			_, err := UpdateItem(&dynamodb.UpdateItemInput{TableName: awsv2.String("t1"), Key: key}).Run(ctx, deps)
			return err
		}},
		{"Query", func() error {
			_, err := Query(&dynamodb.QueryInput{TableName: awsv2.String("t1")}).Run(ctx, deps)
			return err
		}},
		{"Scan", func() error {
			_, err := Scan(&dynamodb.ScanInput{TableName: awsv2.String("t1")}).Run(ctx, deps)
			return err
		}},
		{"BatchGetItem", func() error {
			_, err := BatchGetItem(&dynamodb.BatchGetItemInput{}).Run(ctx, deps)
			return err
		}},
		{"BatchWriteItem", func() error {
			_, err := BatchWriteItem(&dynamodb.BatchWriteItemInput{}).Run(ctx, deps)
			return err
		}},
		{"TransactGetItems", func() error {
			_, err := TransactGetItems(&dynamodb.TransactGetItemsInput{}).Run(ctx, deps)
			return err
		}},
		{"TransactWriteItems", func() error {
			_, err := TransactWriteItems(&dynamodb.TransactWriteItemsInput{}).Run(ctx, deps)
			return err
		}},
		{"ExecuteStatement", func() error {
			_, err := ExecuteStatement(&dynamodb.ExecuteStatementInput{Statement: awsv2.String(`SELECT * FROM "t1"`)}).Run(ctx, deps)
			return err
		}},
		{"ExecuteTransaction", func() error {
			_, err := ExecuteTransaction(&dynamodb.ExecuteTransactionInput{}).Run(ctx, deps)
			return err
		}},
		{"BatchExecuteStatement", func() error {
			_, err := BatchExecuteStatement(&dynamodb.BatchExecuteStatementInput{}).Run(ctx, deps)
			return err
		}},
		{"DeleteItem", func() error {
			_, err := DeleteItem(&dynamodb.DeleteItemInput{TableName: awsv2.String("t1"), Key: key}).Run(ctx, deps)
			return err
		}},
	}

	var want []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.run())
		})
		want = append(want, tt.name)
	}
	assert.Equal(t, want, api.Calls())
}

func TestDefaultDocumentClientDeps_AccessorsAreStable(t *testing.T) {
	deps := DefaultDocumentClientDeps(awsv2.Config{Region: "us-east-1"})

	assert.Same(t, deps.DynamoDBClient(), deps.DynamoDBClient())
	assert.Same(t, deps.DynamoDBDocumentClient(), deps.DynamoDBDocumentClient())

	_, err := CleanupDocumentClientDeps(deps)(context.Background())
	assert.NoError(t, err)
}

func TestCreateDocumentClientDeps(t *testing.T) {
	t.Run("uses injected factories", func(t *testing.T) {
		api := mock.NewDynamoDBClient()
		var gotRegion string
		factories := DocumentClientFactoryDeps{
			DynamoDBClientFactory: func(cfg awsv2.Config, optFns ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient {
				gotRegion = cfg.Region
				return api
			},
			DynamoDBDocumentClientFactory: DefaultDocumentClientFactory,
		}

		deps, err := CreateDocumentClientDeps(awsv2.Config{Region: "eu-north-1"}).Run(context.Background(), factories)
		require.NoError(t, err)

		assert.Equal(t, "eu-north-1", gotRegion)
		assert.Same(t, api, deps.DynamoDBClient())
		assert.Same(t, deps.DynamoDBDocumentClient(), deps.DynamoDBDocumentClient())
	})

	t.Run("panicking factory fails", func(t *testing.T) {
		factories := DocumentClientFactoryDeps{
			DynamoDBClientFactory: func(awsv2.Config, ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient {
				panic("no credentials")
			},
			DynamoDBDocumentClientFactory: DefaultDocumentClientFactory,
		}

		_, err := CreateDocumentClientDeps(awsv2.Config{}).Run(context.Background(), factories)

		var got *ddberr.Error
		require.ErrorAs(t, err, &got)
		assert.Equal(t, "no credentials", got.Message)
		assert.Equal(t, struct{}{}, got.Params)
	})

	t.Run("nil document client fails", func(t *testing.T) {
		factories := DocumentClientFactoryDeps{
			DynamoDBClientFactory: func(awsv2.Config, ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient {
				return mock.NewDynamoDBClient()
			},
			DynamoDBDocumentClientFactory: func(aws.DynamoDBClient) docclient.Client { return nil },
		}

		_, err := CreateDocumentClientDeps(awsv2.Config{}).Run(context.Background(), factories)
		assert.Error(t, err)
	})
}

func TestCreateDynamoDBClient(t *testing.T) {
	api := mock.NewDynamoDBClient()
	factories := ClientFactoryDeps{
		DynamoDBClientFactory: func(awsv2.Config, ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient { return api },
	}

	client, err := CreateDynamoDBClient(awsv2.Config{}).Run(context.Background(), factories)
	require.NoError(t, err)
	assert.Same(t, api, client)

	assert.NotNil(t, DefaultClientFactoryDeps().DynamoDBClientFactory)
}

type countingDocumentClient struct {
	docclient.Client
	closes atomic.Int32
	err    error
}

func (c *countingDocumentClient) Close() error {
	c.closes.Add(1)
	return c.err
}

func TestCleanupDocumentClientDeps(t *testing.T) {
	t.Run("closes each handle once", func(t *testing.T) {
		api := mock.NewDynamoDBClient()
		doc := &countingDocumentClient{}
		task := CleanupDocumentClientDeps(depsWith(doc, api))

		assert.Equal(t, int32(0), doc.closes.Load(), "cleanup must be deferred")

		_, err := task(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(1), doc.closes.Load())
		assert.Equal(t, 1, api.CloseCount())
	})

	t.Run("shutdown failure is normalized", func(t *testing.T) {
		api := mock.NewDynamoDBClient()
		doc := &countingDocumentClient{err: errors.New("already destroyed")}

		_, err := CleanupDocumentClientDeps(depsWith(doc, api))(context.Background())

		var got *ddberr.Error
		require.ErrorAs(t, err, &got)
		assert.Contains(t, got.Message, "already destroyed")
		assert.Equal(t, struct{}{}, got.Params)
		assert.Equal(t, 1, api.CloseCount(), "low-level client is still closed")
	})
}

func TestCombinators(t *testing.T) {
	ctx := context.Background()

	t.Run("map and flatmap", func(t *testing.T) {
		eff := FlatMap(Succeed[int](2), func(n int) Effect[int, int] {
			return func(_ context.Context, env int) (int, error) { return n * env, nil }
		})
		got, err := Map(eff, func(n int) string { return string(rune('a' + n)) }).Run(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "g", got)
	})

	t.Run("failure short-circuits", func(t *testing.T) {
		boom := errors.New("boom")
		called := false
		eff := FlatMap(Fail[struct{}, int](boom), func(int) Effect[struct{}, int] {
			called = true
			return Succeed[struct{}](1)
		})
		_, err := eff.Run(ctx, struct{}{})
		assert.ErrorIs(t, err, boom)
		assert.False(t, called)
	})

	t.Run("provide", func(t *testing.T) {
		task := Map(Succeed[string](1), func(n int) int { return n + 1 }).Provide("env")
		got, err := task(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, got)
	})

	t.Run("all keeps input order", func(t *testing.T) {
		api := mock.NewDynamoDBClient()
		api.CreateTable("t1", "id")
		for _, id := range []string{"a", "b", "c"} {
			api.Seed("t1", map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}})
		}
		deps := depsWith(docclient.From(api), api)

		var effs []Effect[DocumentClientDeps, Result[dynamodb.GetItemInput, dynamodb.GetItemOutput]]
		for _, id := range []string{"c", "a", "b"} {
			effs = append(effs, GetItem(&dynamodb.GetItemInput{
				TableName: awsv2.String("t1"),
				Key:       map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}},
			}))
		}

		results, err := All(effs...).Run(ctx, deps)
		require.NoError(t, err)
		require.Len(t, results, 3)
		for i, id := range []string{"c", "a", "b"} {
			assert.Equal(t, &types.AttributeValueMemberS{Value: id}, results[i].Output.Item["id"])
		}
	})

	t.Run("all fails on first error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := All(Succeed[int](1), Fail[int, int](boom)).Run(ctx, 0)
		assert.ErrorIs(t, err, boom)
	})
}
