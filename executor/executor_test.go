package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/ddb-effect/aws"
	"github.com/gurre/ddb-effect/ddberr"
	"github.com/gurre/ddb-effect/effect"
	"github.com/gurre/ddb-effect/integration/mock"
	"github.com/gurre/ddb-effect/metrics"
	"github.com/gurre/ddb-effect/request"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts Options) (*EffectExecutor, *mock.DynamoDBClient, *metrics.Metrics) {
	t.Helper()
	db := mock.NewDynamoDBClient()
	db.CreateTable("users", "pk")

	deps, err := effect.CreateDocumentClientDeps(awsv2.Config{}).Run(context.Background(), effect.DocumentClientFactoryDeps{
		DynamoDBClientFactory: func(awsv2.Config, ...func(*dynamodb.Options)) aws.ClosableDynamoDBClient {
			return db
		},
		DynamoDBDocumentClientFactory: effect.DefaultDocumentClientFactory,
	})
	require.NoError(t, err)

	m := metrics.NewMetrics(nil)
	e := New(deps, m, zerolog.Nop(), opts)
	e.wait = func(context.Context, int) bool { return true }
	return e, db, m
}

func decode(t *testing.T, line string) request.Request {
	t.Helper()
	req, err := request.NewJSONDecoder("users").Decode([]byte(line))
	require.NoError(t, err)
	return req
}

func throttled() error {
	return &types.ProvisionedThroughputExceededException{Message: awsv2.String("slow down")}
}

func TestExecute_Operations(t *testing.T) {
	e, db, m := setup(t, Options{})
	ctx := context.Background()

	steps := []struct {
		line  string
		items int32
	}{
		{`{"op":"PutItem","item":{"pk":"u#1","team":"core"}}`, 1},
		{`{"op":"PutItem","item":{"pk":"u#2","team":"core"}}`, 1},
		{`{"op":"GetItem","key":{"pk":"u#1"}}`, 1},
		{`{"op":"GetItem","key":{"pk":"missing"}}`, 0},
		{`{"op":"UpdateItem","key":{"pk":"u#1"},"set":{"team":"infra"}}`, 1},
		{`{"op":"Scan","filterEquals":{"team":"core"}}`, 1},
		{`{"op":"Query","keyEquals":{"pk":"u#1"}}`, 1},
		{`{"op":"ExecuteStatement","statement":"SELECT * FROM users WHERE pk = ?","parameters":["u#2"]}`, 1},
		{`{"op":"DeleteItem","key":{"pk":"u#2"}}`, 1},
	}
	for _, s := range steps {
		req := decode(t, s.line)
		out, err := e.Execute(ctx, req)
		require.NoError(t, err, s.line)
		assert.Equal(t, req.Op, out.Op)
		assert.Equal(t, s.items, out.Items, s.line)
		assert.Equal(t, 1, out.Attempts)
	}

	assert.Equal(t, []string{"PutItem", "PutItem", "GetItem", "GetItem", "UpdateItem", "Scan", "Query", "ExecuteStatement", "DeleteItem"}, db.Calls())
	assert.Equal(t, &types.AttributeValueMemberS{Value: "infra"}, db.Item("users", map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "u#1"},
	})["team"])
	assert.Len(t, db.TableContents("users"), 1)
	assert.EqualValues(t, len(steps), m.Processed())
}

func TestExecute_RetriesThrottling(t *testing.T) {
	e, db, m := setup(t, Options{MaxRetries: 3})
	db.FailNext("PutItem", throttled())
	db.FailNext("PutItem", throttled())

	out, err := e.Execute(context.Background(), decode(t, `{"op":"PutItem","item":{"pk":"u#1"}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []string{"PutItem", "PutItem", "PutItem"}, db.Calls())

	report := m.GenerateReport("run")
	assert.EqualValues(t, 2, report.Retries)
	assert.EqualValues(t, 1, report.Processed)
	assert.EqualValues(t, 0, report.Failed)
}

func TestExecute_GivesUpAfterMaxRetries(t *testing.T) {
	e, db, m := setup(t, Options{MaxRetries: 1})
	for i := 0; i < 3; i++ {
		db.FailNext("GetItem", throttled())
	}

	out, err := e.Execute(context.Background(), decode(t, `{"op":"GetItem","key":{"pk":"u#1"}}`))
	require.Error(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.True(t, ddberr.IsThrottled(err))
	assert.Len(t, db.Calls(), 2)
	assert.EqualValues(t, 1, m.GenerateReport("run").Failed)
}

func TestExecute_DoesNotRetryOtherFailures(t *testing.T) {
	e, db, _ := setup(t, Options{MaxRetries: 5})
	db.Seed("users", map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: "u#1"}})

	req := decode(t, `{"op":"PutItem","item":{"pk":"u#1"},"condition":"attribute_not_exists(pk)"}`)
	out, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, ddberr.IsConditionalCheckFailed(err))

	de, ok := ddberr.As(err)
	require.True(t, ok)
	assert.Same(t, req.Params, de.Params)
	assert.Equal(t, []string{"PutItem"}, db.Calls())
}

func TestExecute_DryRun(t *testing.T) {
	e, db, m := setup(t, Options{DryRun: true})

	out, err := e.Execute(context.Background(), decode(t, `{"op":"DeleteItem","key":{"pk":"u#1"}}`))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, db.Calls())
	assert.EqualValues(t, 1, m.GenerateReport("run").Skipped)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	e, db, m := setup(t, Options{MaxRetries: 3})
	e.wait = func(context.Context, int) bool { return false }
	db.FailNext("Scan", throttled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, decode(t, `{"op":"Scan"}`))
	assert.ErrorIs(t, err, context.Canceled)

	// The interrupted request still shows up in the report.
	report := m.GenerateReport("run")
	assert.EqualValues(t, 1, report.Processed)
	assert.EqualValues(t, 1, report.Failed)
	assert.EqualValues(t, 1, report.Retries)
	assert.EqualValues(t, 1, report.Operations["Scan"].Errors)
}

func TestExecute_Unsupported(t *testing.T) {
	e, db, _ := setup(t, Options{})

	_, err := e.Execute(context.Background(), request.Request{Op: "BatchGetItem", Params: &dynamodb.BatchGetItemInput{}})
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.Empty(t, db.Calls())
}

func TestBackoffWait(t *testing.T) {
	e := New(effect.DocumentClientDeps{}, nil, zerolog.Nop(), Options{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond})

	start := time.Now()
	assert.True(t, e.backoffWait(context.Background(), 10))
	// Capped at MaxDelay plus at most the same again in jitter.
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e = New(effect.DocumentClientDeps{}, nil, zerolog.Nop(), Options{BaseDelay: time.Hour})
	assert.False(t, e.backoffWait(ctx, 0))
}
