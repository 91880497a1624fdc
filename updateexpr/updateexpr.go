// Package updateexpr derives UpdateItem artifacts from a flat record of
// attribute names and values.
//
// For the record {foo: "bar", baz: 123} the builder yields
//
//	expression: SET #foo = :foo, #baz = :baz
//	names:      {#foo: foo, #baz: baz}
//	values:     {:foo: bar, :baz: 123}
//	attributes: {foo: {Value: bar}, baz: {Value: 123}}
//
// A field holding Absent is left out of every artifact. A field holding nil is
// an explicit null and is included.
package updateexpr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type absent struct{}

func (absent) String() string { return "<absent>" }

// Absent marks a field that has no value at all. It is distinct from nil.
var Absent any = absent{}

// Field is one attribute of a record.
type Field struct {
	Name  string
	Value any
}

// Record is an ordered, flat set of attributes. Artifacts follow slice order.
type Record []Field

// AttributeUpdate wraps a value the way the legacy AttributeUpdates parameter expects.
type AttributeUpdate struct {
	Value any
}

// FromMap builds a record from m with keys in lexical order.
func FromMap(m map[string]any) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := make(Record, 0, len(keys))
	for _, k := range keys {
		r = append(r, Field{Name: k, Value: m[k]})
	}
	return r
}

// included is the single inclusion predicate shared by every artifact.
func included(f Field) bool {
	return f.Value != Absent
}

func (r Record) fields() []Field {
	out := make([]Field, 0, len(r))
	for _, f := range r {
		if included(f) {
			out = append(out, f)
		}
	}
	return out
}

// Expression returns "SET #k1 = :k1, #k2 = :k2", or "" when no field qualifies.
func Expression(r Record) string {
	fields := r.fields()
	if len(fields) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("SET ")
	for i, f := range fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("#" + f.Name + " = :" + f.Name)
	}
	return sb.String()
}

// ExpressionNames maps each placeholder "#k" to its attribute name.
func ExpressionNames(r Record) map[string]string {
	names := make(map[string]string, len(r))
	for _, f := range r.fields() {
		names["#"+f.Name] = f.Name
	}
	return names
}

// ExpressionValues maps each placeholder ":k" to the raw value.
func ExpressionValues(r Record) map[string]any {
	values := make(map[string]any, len(r))
	for _, f := range r.fields() {
		values[":"+f.Name] = f.Value
	}
	return values
}

// Attributes maps each attribute name to its wrapped value.
func Attributes(r Record) map[string]AttributeUpdate {
	attrs := make(map[string]AttributeUpdate, len(r))
	for _, f := range r.fields() {
		attrs[f.Name] = AttributeUpdate{Value: f.Value}
	}
	return attrs
}

// MarshalExpressionValues is ExpressionValues with every value converted to
// its attribute value form. nil becomes NULL.
func MarshalExpressionValues(r Record) (map[string]types.AttributeValue, error) {
	values := make(map[string]types.AttributeValue, len(r))
	for _, f := range r.fields() {
		av, err := attributevalue.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value of %q: %w", f.Name, err)
		}
		values[":"+f.Name] = av
	}
	return values, nil
}

// MarshalAttributes is Attributes in the legacy AttributeUpdates wire form.
func MarshalAttributes(r Record) (map[string]types.AttributeValueUpdate, error) {
	attrs := make(map[string]types.AttributeValueUpdate, len(r))
	for _, f := range r.fields() {
		av, err := attributevalue.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value of %q: %w", f.Name, err)
		}
		attrs[f.Name] = types.AttributeValueUpdate{
			Action: types.AttributeActionPut,
			Value:  av,
		}
	}
	return attrs, nil
}

// Apply sets UpdateExpression, ExpressionAttributeNames and
// ExpressionAttributeValues on in. Existing name and value placeholders, for
// example those of a condition expression, are kept. in is left untouched
// when no field qualifies.
func Apply(in *dynamodb.UpdateItemInput, r Record) error {
	expr := Expression(r)
	if expr == "" {
		return nil
	}

	values, err := MarshalExpressionValues(r)
	if err != nil {
		return err
	}

	if in.ExpressionAttributeNames == nil {
		in.ExpressionAttributeNames = make(map[string]string, len(r))
	}
	for k, v := range ExpressionNames(r) {
		in.ExpressionAttributeNames[k] = v
	}
	if in.ExpressionAttributeValues == nil {
		in.ExpressionAttributeValues = make(map[string]types.AttributeValue, len(values))
	}
	for k, v := range values {
		in.ExpressionAttributeValues[k] = v
	}
	in.UpdateExpression = aws.String(expr)
	return nil
}
