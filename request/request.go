// Package request decodes replay lines into DynamoDB request parameters.
//
// Each line is one JSON object with document-level values:
//
//	{"id":"r1","op":"PutItem","table":"users","item":{"pk":"u#1","name":"Ada"},"condition":"attribute_not_exists(pk)"}
//	{"op":"UpdateItem","table":"users","key":{"pk":"u#1"},"set":{"name":"Ada L.","nick":null}}
//	{"op":"Query","table":"users","index":"by-team","keyEquals":{"team":"core"},"projection":["pk","name"],"limit":25}
//	{"op":"ExecuteStatement","statement":"SELECT * FROM users WHERE pk = ?","parameters":["u#1"]}
package request

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/ddb-effect/updateexpr"
)

// Supported operation names.
const (
	OpGetItem          = "GetItem"
	OpPutItem          = "PutItem"
	OpUpdateItem       = "UpdateItem"
	OpDeleteItem       = "DeleteItem"
	OpQuery            = "Query"
	OpScan             = "Scan"
	OpExecuteStatement = "ExecuteStatement"
)

// ErrCorrupt is returned for lines that cannot be turned into a request.
var ErrCorrupt = errors.New("corrupt line")

// Request is one decoded line. Params holds a pointer to the SDK input of Op,
// e.g. *dynamodb.PutItemInput.
type Request struct {
	ID     string
	Op     string
	Params any
}

// Decoder turns a line into a Request.
type Decoder interface {
	Decode(line []byte) (Request, error)
}

// JSONDecoder decodes the line format described in the package doc.
type JSONDecoder struct {
	// DefaultTable is used for lines without a table.
	DefaultTable string
}

// NewJSONDecoder creates a JSONDecoder.
func NewJSONDecoder(defaultTable string) *JSONDecoder {
	return &JSONDecoder{DefaultTable: defaultTable}
}

type line struct {
	ID             string            `json:"id"`
	Op             string            `json:"op"`
	Table          string            `json:"table"`
	Index          string            `json:"index"`
	Key            json.RawMessage   `json:"key"`
	Item           json.RawMessage   `json:"item"`
	Set            json.RawMessage   `json:"set"`
	Condition      string            `json:"condition"`
	Names          map[string]string `json:"names"`
	Values         json.RawMessage   `json:"values"`
	KeyEquals      json.RawMessage   `json:"keyEquals"`
	FilterEquals   json.RawMessage   `json:"filterEquals"`
	Projection     []string          `json:"projection"`
	Limit          int32             `json:"limit"`
	ConsistentRead bool              `json:"consistentRead"`
	ReturnValues   string            `json:"returnValues"`
	Statement      string            `json:"statement"`
	Parameters     json.RawMessage   `json:"parameters"`
}

// Decode parses line. Every failure wraps ErrCorrupt.
func (d *JSONDecoder) Decode(data []byte) (Request, error) {
	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if l.Table == "" {
		l.Table = d.DefaultTable
	}
	if l.Table == "" && l.Op != OpExecuteStatement {
		return Request{}, fmt.Errorf("%w: %s without table", ErrCorrupt, l.Op)
	}

	var (
		params any
		err    error
	)
	switch l.Op {
	case OpGetItem:
		params, err = l.getItem()
	case OpPutItem:
		params, err = l.putItem()
	case OpUpdateItem:
		params, err = l.updateItem()
	case OpDeleteItem:
		params, err = l.deleteItem()
	case OpQuery:
		params, err = l.query()
	case OpScan:
		params, err = l.scan()
	case OpExecuteStatement:
		params, err = l.executeStatement()
	default:
		return Request{}, fmt.Errorf("%w: unknown op %q", ErrCorrupt, l.Op)
	}
	if err != nil {
		return Request{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.Op, err)
	}
	return Request{ID: l.ID, Op: l.Op, Params: params}, nil
}

func (l *line) getItem() (*dynamodb.GetItemInput, error) {
	key, err := requiredMap("key", l.Key)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.GetItemInput{TableName: awsv2.String(l.Table), Key: key}
	if l.ConsistentRead {
		in.ConsistentRead = awsv2.Bool(true)
	}
	if len(l.Projection) > 0 {
		expr, err := expression.NewBuilder().WithProjection(projection(l.Projection)).Build()
		if err != nil {
			return nil, err
		}
		in.ProjectionExpression = expr.Projection()
		in.ExpressionAttributeNames = expr.Names()
	}
	return in, nil
}

func (l *line) putItem() (*dynamodb.PutItemInput, error) {
	item, err := requiredMap("item", l.Item)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.PutItemInput{TableName: awsv2.String(l.Table), Item: item}
	if l.ReturnValues != "" {
		in.ReturnValues = types.ReturnValue(l.ReturnValues)
	}
	in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, err = l.condition()
	return in, err
}

func (l *line) updateItem() (*dynamodb.UpdateItemInput, error) {
	key, err := requiredMap("key", l.Key)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(l.Set)
	if err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("set: no attributes")
	}

	in := &dynamodb.UpdateItemInput{TableName: awsv2.String(l.Table), Key: key}
	if l.ReturnValues != "" {
		in.ReturnValues = types.ReturnValue(l.ReturnValues)
	}
	in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, err = l.condition()
	if err != nil {
		return nil, err
	}
	if err := updateexpr.Apply(in, updateexpr.FromMap(doc)); err != nil {
		return nil, err
	}
	return in, nil
}

func (l *line) deleteItem() (*dynamodb.DeleteItemInput, error) {
	key, err := requiredMap("key", l.Key)
	if err != nil {
		return nil, err
	}
	in := &dynamodb.DeleteItemInput{TableName: awsv2.String(l.Table), Key: key}
	if l.ReturnValues != "" {
		in.ReturnValues = types.ReturnValue(l.ReturnValues)
	}
	in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, err = l.condition()
	return in, err
}

func (l *line) query() (*dynamodb.QueryInput, error) {
	keyEquals, err := decodeDocument(l.KeyEquals)
	if err != nil {
		return nil, fmt.Errorf("keyEquals: %w", err)
	}
	if len(keyEquals) == 0 || len(keyEquals) > 2 {
		return nil, fmt.Errorf("keyEquals: want a partition key and an optional sort key, got %d attributes", len(keyEquals))
	}

	names := sortedKeys(keyEquals)
	keyCond := expression.Key(names[0]).Equal(expression.Value(keyEquals[names[0]]))
	for _, name := range names[1:] {
		keyCond = keyCond.And(expression.Key(name).Equal(expression.Value(keyEquals[name])))
	}
	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	builder, _, err = l.withReadOptions(builder)
	if err != nil {
		return nil, err
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, err
	}

	in := &dynamodb.QueryInput{
		TableName:                 awsv2.String(l.Table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	l.applyPaging(&in.IndexName, &in.Limit, &in.ConsistentRead)
	return in, nil
}

func (l *line) scan() (*dynamodb.ScanInput, error) {
	builder, used, err := l.withReadOptions(expression.NewBuilder())
	if err != nil {
		return nil, err
	}
	in := &dynamodb.ScanInput{TableName: awsv2.String(l.Table)}
	if used {
		expr, err := builder.Build()
		if err != nil {
			return nil, err
		}
		in.FilterExpression = expr.Filter()
		in.ProjectionExpression = expr.Projection()
		in.ExpressionAttributeNames = expr.Names()
		in.ExpressionAttributeValues = expr.Values()
	}
	l.applyPaging(&in.IndexName, &in.Limit, &in.ConsistentRead)
	return in, nil
}

func (l *line) executeStatement() (*dynamodb.ExecuteStatementInput, error) {
	if l.Statement == "" {
		return nil, fmt.Errorf("statement is required")
	}
	in := &dynamodb.ExecuteStatementInput{Statement: awsv2.String(l.Statement)}
	if l.ConsistentRead {
		in.ConsistentRead = awsv2.Bool(true)
	}
	if l.Limit > 0 {
		in.Limit = awsv2.Int32(l.Limit)
	}
	if len(l.Parameters) == 0 {
		return in, nil
	}

	var raw []any
	if err := unmarshalNumbers(l.Parameters, &raw); err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}
	for i, p := range raw {
		av, err := attributevalue.Marshal(normalize(p))
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		in.Parameters = append(in.Parameters, av)
	}
	return in, nil
}

// withReadOptions adds filterEquals and projection to builder and reports
// whether it added anything.
func (l *line) withReadOptions(builder expression.Builder) (expression.Builder, bool, error) {
	filter, err := decodeDocument(l.FilterEquals)
	if err != nil {
		return builder, false, fmt.Errorf("filterEquals: %w", err)
	}
	if len(filter) > 0 {
		names := sortedKeys(filter)
		cond := expression.Name(names[0]).Equal(expression.Value(filter[names[0]]))
		for _, name := range names[1:] {
			cond = cond.And(expression.Name(name).Equal(expression.Value(filter[name])))
		}
		builder = builder.WithFilter(cond)
	}
	if len(l.Projection) > 0 {
		builder = builder.WithProjection(projection(l.Projection))
	}
	return builder, len(filter) > 0 || len(l.Projection) > 0, nil
}

func (l *line) applyPaging(index **string, limit **int32, consistent **bool) {
	if l.Index != "" {
		*index = awsv2.String(l.Index)
	}
	if l.Limit > 0 {
		*limit = awsv2.Int32(l.Limit)
	}
	if l.ConsistentRead {
		*consistent = awsv2.Bool(true)
	}
}

// condition returns the raw condition expression with its placeholders.
func (l *line) condition() (*string, map[string]string, map[string]types.AttributeValue, error) {
	if l.Condition == "" {
		if len(l.Names) > 0 || len(l.Values) > 0 {
			return nil, nil, nil, fmt.Errorf("names or values without condition")
		}
		return nil, nil, nil, nil
	}
	values, err := optionalMap(l.Values)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("values: %w", err)
	}
	return awsv2.String(l.Condition), l.Names, values, nil
}

func projection(attrs []string) expression.ProjectionBuilder {
	names := make([]expression.NameBuilder, len(attrs))
	for i, a := range attrs {
		names[i] = expression.Name(a)
	}
	return expression.NamesList(names[0], names[1:]...)
}

func requiredMap(field string, raw json.RawMessage) (map[string]types.AttributeValue, error) {
	m, err := optionalMap(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%s is required", field)
	}
	return m, nil
}

func optionalMap(raw json.RawMessage) (map[string]types.AttributeValue, error) {
	doc, err := decodeDocument(raw)
	if err != nil || len(doc) == 0 {
		return nil, err
	}
	return attributevalue.MarshalMap(doc)
}

// decodeDocument decodes a JSON object keeping integers exact.
func decodeDocument(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var doc map[string]any
	if err := unmarshalNumbers(raw, &doc); err != nil {
		return nil, err
	}
	for k, v := range doc {
		doc[k] = normalize(v)
	}
	return doc, nil
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// number is a JSON number kept as its original text. DynamoDB numbers carry
// up to 38 digits, more than int64 or float64 hold.
type number string

func (n number) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: string(n)}, nil
}

// normalize replaces json.Number with number so that attributevalue encodes
// numbers as N with their exact text.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		return number(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
