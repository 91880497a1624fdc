package mock

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

type item = map[string]types.AttributeValue

// DynamoDBClient is an in-memory implementation of aws.ClosableDynamoDBClient
// for tests. Items are stored under a composite key derived from the table's
// key schema, or from common key attribute names when no schema is declared.
type DynamoDBClient struct {
	mu        sync.Mutex
	tableData map[string]map[string]item
	schemas   map[string][]string
	failures  map[string][]error
	calls     []string
	closes    int
}

// NewDynamoDBClient creates a new mock DynamoDB client
func NewDynamoDBClient() *DynamoDBClient {
	return &DynamoDBClient{
		tableData: make(map[string]map[string]item),
		schemas:   make(map[string][]string),
		failures:  make(map[string][]error),
	}
}

// CreateTable declares the key attributes of a table: partition key first,
// then the optional sort key.
func (m *DynamoDBClient) CreateTable(name string, keyAttrs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[name] = keyAttrs
	if _, ok := m.tableData[name]; !ok {
		m.tableData[name] = make(map[string]item)
	}
}

// FailNext makes the next call of operation return err. Calls queue up.
func (m *DynamoDBClient) FailNext(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[operation] = append(m.failures[operation], err)
}

// Calls returns the operation names invoked so far, in order.
func (m *DynamoDBClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CloseCount returns how many times Close was called.
func (m *DynamoDBClient) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Close records the call.
func (m *DynamoDBClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// Item returns a stored item by key, or nil.
func (m *DynamoDBClient) Item(table string, key item) item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyItem(m.tableData[table][m.compositeKey(table, key)])
}

// TableContents returns a copy of every item in table.
func (m *DynamoDBClient) TableContents(table string) []item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedItems(table)
}

// Seed stores items directly, bypassing call recording.
func (m *DynamoDBClient) Seed(table string, items ...item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.put(table, it)
	}
}

// begin records the call and returns the queued failure, if any. Callers must
// hold m.mu.
func (m *DynamoDBClient) begin(op string) error {
	m.calls = append(m.calls, op)
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *DynamoDBClient) table(name string) map[string]item {
	t, ok := m.tableData[name]
	if !ok {
		t = make(map[string]item)
		m.tableData[name] = t
	}
	return t
}

func (m *DynamoDBClient) put(table string, it item) {
	m.table(table)[m.compositeKey(table, it)] = copyItem(it)
}

func (m *DynamoDBClient) get(table string, key item) (item, bool) {
	it, ok := m.tableData[table][m.compositeKey(table, key)]
	return it, ok
}

func (m *DynamoDBClient) compositeKey(table string, attrs item) string {
	schema := m.schemas[table]
	if len(schema) == 0 {
		return extractCompositeKey(attrs)
	}
	parts := make([]string, 0, len(schema))
	for _, a := range schema {
		parts = append(parts, a+"="+attributeToString(attrs[a]))
	}
	return strings.Join(parts, "#")
}

func (m *DynamoDBClient) sortedItems(table string) []item {
	data := m.tableData[table]
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]item, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(data[k]))
	}
	return out
}

// extractCompositeKey builds a deterministic key from common partition and
// sort key attribute names.
func extractCompositeKey(attrs item) string {
	keyPairs := make([]string, 0, 2)
	for _, names := range [][]string{
		{"pk", "PK", "id", "ID", "partition_key"},
		{"sk", "SK", "sort", "sort_key", "range_key"},
	} {
		for _, name := range names {
			if s := attributeToString(attrs[name]); s != "" {
				keyPairs = append(keyPairs, name+"="+s)
				break
			}
		}
	}
	if len(keyPairs) == 0 {
		for k, v := range attrs {
			if s := attributeToString(v); s != "" {
				keyPairs = append(keyPairs, k+"="+s)
			}
		}
		sort.Strings(keyPairs)
		if len(keyPairs) > 2 {
			keyPairs = keyPairs[:2]
		}
	}
	return strings.Join(keyPairs, "#")
}

func attributeToString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg, Fault: smithy.FaultClient}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

// GetItem returns the stored item, or an output without Item when absent.
func (m *DynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("GetItem"); err != nil {
		return nil, err
	}
	it, _ := m.get(aws.ToString(params.TableName), params.Key)
	return &dynamodb.GetItemOutput{Item: copyItem(it)}, nil
}

// PutItem stores the item after evaluating ConditionExpression.
func (m *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("PutItem"); err != nil {
		return nil, err
	}
	table := aws.ToString(params.TableName)
	old, _ := m.get(table, params.Item)
	if !evaluate(aws.ToString(params.ConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, old) {
		return nil, conditionFailed()
	}
	m.put(table, params.Item)

	out := &dynamodb.PutItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// UpdateItem applies SET and REMOVE clauses, creating the item when absent.
func (m *DynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("UpdateItem"); err != nil {
		return nil, err
	}
	table := aws.ToString(params.TableName)
	old, _ := m.get(table, params.Key)
	if !evaluate(aws.ToString(params.ConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, old) {
		return nil, conditionFailed()
	}

	updated := copyItem(old)
	if updated == nil {
		updated = copyItem(params.Key)
	}
	applyUpdate(updated, aws.ToString(params.UpdateExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	m.put(table, updated)

	out := &dynamodb.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = copyItem(updated)
	case types.ReturnValueAllOld:
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// DeleteItem removes the item after evaluating ConditionExpression.
func (m *DynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteItem"); err != nil {
		return nil, err
	}
	table := aws.ToString(params.TableName)
	old, _ := m.get(table, params.Key)
	if !evaluate(aws.ToString(params.ConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, old) {
		return nil, conditionFailed()
	}
	delete(m.table(table), m.compositeKey(table, params.Key))

	out := &dynamodb.DeleteItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = copyItem(old)
	}
	return out, nil
}

// Query returns items matching KeyConditionExpression and FilterExpression.
// Indexes are not modelled: conditions are evaluated against item attributes.
func (m *DynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Query"); err != nil {
		return nil, err
	}
	var items []item
	scanned := int32(0)
	for _, it := range m.sortedItems(aws.ToString(params.TableName)) {
		if !evaluate(aws.ToString(params.KeyConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, it) {
			continue
		}
		scanned++
		if evaluate(aws.ToString(params.FilterExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, it) {
			items = append(items, it)
		}
		if params.Limit != nil && scanned >= *params.Limit {
			break
		}
	}
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items)), ScannedCount: scanned}, nil
}

// Scan returns every item matching FilterExpression.
func (m *DynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Scan"); err != nil {
		return nil, err
	}
	var items []item
	scanned := int32(0)
	for _, it := range m.sortedItems(aws.ToString(params.TableName)) {
		scanned++
		if evaluate(aws.ToString(params.FilterExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues, it) {
			items = append(items, it)
		}
		if params.Limit != nil && scanned >= *params.Limit {
			break
		}
	}
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items)), ScannedCount: scanned}, nil
}

// BatchGetItem returns the found items per table.
func (m *DynamoDBClient) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("BatchGetItem"); err != nil {
		return nil, err
	}
	responses := make(map[string][]item, len(params.RequestItems))
	for table, ka := range params.RequestItems {
		for _, key := range ka.Keys {
			if it, ok := m.get(table, key); ok {
				responses[table] = append(responses[table], copyItem(it))
			}
		}
	}
	return &dynamodb.BatchGetItemOutput{
		Responses:       responses,
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}, nil
}

// BatchWriteItem applies puts and deletes without conditions.
func (m *DynamoDBClient) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("BatchWriteItem"); err != nil {
		return nil, err
	}
	for table, requests := range params.RequestItems {
		for _, wr := range requests {
			if wr.PutRequest != nil {
				m.put(table, wr.PutRequest.Item)
			}
			if wr.DeleteRequest != nil {
				delete(m.table(table), m.compositeKey(table, wr.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{
		UnprocessedItems: make(map[string][]types.WriteRequest),
	}, nil
}

// TransactGetItems reads every requested item.
func (m *DynamoDBClient) TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("TransactGetItems"); err != nil {
		return nil, err
	}
	responses := make([]types.ItemResponse, 0, len(params.TransactItems))
	for _, ti := range params.TransactItems {
		var it item
		if ti.Get != nil {
			it, _ = m.get(aws.ToString(ti.Get.TableName), ti.Get.Key)
		}
		responses = append(responses, types.ItemResponse{Item: copyItem(it)})
	}
	return &dynamodb.TransactGetItemsOutput{Responses: responses}, nil
}

// TransactWriteItems evaluates every condition first and applies all writes
// only when they all hold. Otherwise it fails with TransactionCanceledException.
func (m *DynamoDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	canceled := false
	for i, ti := range params.TransactItems {
		var (
			table, cond string
			key         item
			names       map[string]string
			values      map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			table, key, cond, names, values = aws.ToString(ti.Put.TableName), ti.Put.Item, aws.ToString(ti.Put.ConditionExpression), ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			table, key, cond, names, values = aws.ToString(ti.Update.TableName), ti.Update.Key, aws.ToString(ti.Update.ConditionExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.Delete != nil:
			table, key, cond, names, values = aws.ToString(ti.Delete.TableName), ti.Delete.Key, aws.ToString(ti.Delete.ConditionExpression), ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			table, key, cond, names, values = aws.ToString(ti.ConditionCheck.TableName), ti.ConditionCheck.Key, aws.ToString(ti.ConditionCheck.ConditionExpression), ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		}
		current, _ := m.get(table, key)
		if evaluate(cond, names, values, current) {
			reasons[i] = types.CancellationReason{Code: aws.String("None")}
			continue
		}
		reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
		canceled = true
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range params.TransactItems {
		switch {
		case ti.Put != nil:
			m.put(aws.ToString(ti.Put.TableName), ti.Put.Item)
		case ti.Update != nil:
			table := aws.ToString(ti.Update.TableName)
			current, _ := m.get(table, ti.Update.Key)
			updated := copyItem(current)
			if updated == nil {
				updated = copyItem(ti.Update.Key)
			}
			applyUpdate(updated, aws.ToString(ti.Update.UpdateExpression), ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			m.put(table, updated)
		case ti.Delete != nil:
			table := aws.ToString(ti.Delete.TableName)
			delete(m.table(table), m.compositeKey(table, ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var (
	selectStmt = regexp.MustCompile(`(?i)^SELECT \* FROM "?([\w.-]+)"?(?: WHERE (.+))?$`)
	deleteStmt = regexp.MustCompile(`(?i)^DELETE FROM "?([\w.-]+)"? WHERE (.+)$`)
	whereTerm  = regexp.MustCompile(`^"?(\w+)"? = \?$`)
)

// ExecuteStatement supports `SELECT * FROM t [WHERE a = ? AND ...]` and
// `DELETE FROM t WHERE a = ? AND ...` with positional parameters.
func (m *DynamoDBClient) ExecuteStatement(ctx context.Context, params *dynamodb.ExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ExecuteStatement"); err != nil {
		return nil, err
	}
	items, err := m.execute(aws.ToString(params.Statement), params.Parameters)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ExecuteStatementOutput{Items: items}, nil
}

// ExecuteTransaction runs each statement in order.
func (m *DynamoDBClient) ExecuteTransaction(ctx context.Context, params *dynamodb.ExecuteTransactionInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteTransactionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ExecuteTransaction"); err != nil {
		return nil, err
	}
	responses := make([]types.ItemResponse, 0, len(params.TransactStatements))
	for _, st := range params.TransactStatements {
		items, err := m.execute(aws.ToString(st.Statement), st.Parameters)
		if err != nil {
			return nil, err
		}
		var first item
		if len(items) > 0 {
			first = items[0]
		}
		responses = append(responses, types.ItemResponse{Item: first})
	}
	return &dynamodb.ExecuteTransactionOutput{Responses: responses}, nil
}

// BatchExecuteStatement runs each statement, reporting failures per statement.
func (m *DynamoDBClient) BatchExecuteStatement(ctx context.Context, params *dynamodb.BatchExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchExecuteStatementOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("BatchExecuteStatement"); err != nil {
		return nil, err
	}
	responses := make([]types.BatchStatementResponse, 0, len(params.Statements))
	for _, st := range params.Statements {
		items, err := m.execute(aws.ToString(st.Statement), st.Parameters)
		if err != nil {
			responses = append(responses, types.BatchStatementResponse{
				Error: &types.BatchStatementError{
					Code:    types.BatchStatementErrorCodeEnumValidationError,
					Message: aws.String(err.Error()),
				},
			})
			continue
		}
		var first item
		if len(items) > 0 {
			first = items[0]
		}
		responses = append(responses, types.BatchStatementResponse{Item: first})
	}
	return &dynamodb.BatchExecuteStatementOutput{Responses: responses}, nil
}

func (m *DynamoDBClient) execute(statement string, parameters []types.AttributeValue) ([]item, error) {
	statement = strings.TrimSpace(statement)
	if g := selectStmt.FindStringSubmatch(statement); g != nil {
		match, err := whereMatcher(g[2], parameters)
		if err != nil {
			return nil, err
		}
		var items []item
		for _, it := range m.sortedItems(g[1]) {
			if match(it) {
				items = append(items, it)
			}
		}
		return items, nil
	}
	if g := deleteStmt.FindStringSubmatch(statement); g != nil {
		match, err := whereMatcher(g[2], parameters)
		if err != nil {
			return nil, err
		}
		for _, it := range m.sortedItems(g[1]) {
			if match(it) {
				delete(m.table(g[1]), m.compositeKey(g[1], it))
			}
		}
		return nil, nil
	}
	return nil, validationError(fmt.Sprintf("unsupported statement: %s", statement))
}

func whereMatcher(where string, parameters []types.AttributeValue) (func(item) bool, error) {
	if where == "" {
		return func(item) bool { return true }, nil
	}
	terms := splitAnd(where)
	if len(terms) != len(parameters) {
		return nil, validationError("parameter count does not match statement")
	}
	attrs := make([]string, len(terms))
	for i, term := range terms {
		g := whereTerm.FindStringSubmatch(term)
		if g == nil {
			return nil, validationError(fmt.Sprintf("unsupported predicate: %s", term))
		}
		attrs[i] = g[1]
	}
	return func(it item) bool {
		for i, a := range attrs {
			if !equal(it[a], parameters[i]) {
				return false
			}
		}
		return true
	}, nil
}
