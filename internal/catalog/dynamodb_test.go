package catalog

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDDB is an in-memory table that understands the expressions the
// catalog issues and returns scan results one item per page.
type fakeDDB struct {
	mu    sync.Mutex
	order []string
	items map[string]map[string]types.AttributeValue
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) string {
	return item[attrID].(*types.AttributeValueMemberS).Value
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := keyOf(in.Item)
	existing, ok := f.items[id]
	if in.ConditionExpression != nil {
		want := in.ExpressionAttributeValues[":read"].(*types.AttributeValueMemberN).Value
		if !ok || existing[attrVersion].(*types.AttributeValueMemberN).Value != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	if !ok {
		f.order = append(f.order, id)
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if in.ExclusiveStartKey != nil {
		last := keyOf(in.ExclusiveStartKey)
		for i, id := range f.order {
			if id == last {
				start = i + 1
			}
		}
	}
	out := &dynamodb.ScanOutput{}
	if start >= len(f.order) {
		return out, nil
	}
	item := f.items[f.order[start]]
	if t, ok := in.ExpressionAttributeValues[":t"].(*types.AttributeValueMemberS); ok {
		s := item[attrStart].(*types.AttributeValueMemberS).Value
		e := item[attrEnd].(*types.AttributeValueMemberS).Value
		if s <= t.Value && t.Value <= e {
			out.Items = append(out.Items, item)
		}
	} else {
		out.Items = append(out.Items, item)
	}
	if start+1 < len(f.order) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{attrID: item[attrID]}
	}
	return out, nil
}

func (f *fakeDDB) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}
