package docclient

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MarshalItem converts a native Go value (struct or map) into an item.
func MarshalItem(v any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return item, nil
}

// UnmarshalItem converts an item into out, which must be a pointer.
func UnmarshalItem(item map[string]types.AttributeValue, out any) error {
	if err := attributevalue.UnmarshalMap(item, out); err != nil {
		return fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return nil
}

// UnmarshalItems converts a page of items into out, which must be a pointer to a slice.
func UnmarshalItems(items []map[string]types.AttributeValue, out any) error {
	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("failed to unmarshal items: %w", err)
	}
	return nil
}
