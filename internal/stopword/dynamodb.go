package stopword

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

const (
	batchSize          = 25
	maxUnprocessedRuns = 5
)

// BatchWriter is the subset of *dynamodb.Client the sink uses.
type BatchWriter interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoDB writes rows to the STOP_WORD table, keyed by pKey (the token)
// with the frequency as sortKey.
type DynamoDB struct {
	client BatchWriter
	table  string
}

func NewDynamoDB(client BatchWriter, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table}
}

func (d *DynamoDB) Write(ctx context.Context, rows []Row) error {
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, r := range rows[start:end] {
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: map[string]types.AttributeValue{
				"pKey":    &types.AttributeValueMemberS{Value: r.Token},
				"sortKey": &types.AttributeValueMemberN{Value: strconv.FormatInt(r.Frequency, 10)},
				"version": &types.AttributeValueMemberN{Value: strconv.FormatInt(r.CatalogVersion, 10)},
			}}})
		}
		if err := d.writeBatch(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (d *DynamoDB) writeBatch(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{d.table: requests}
	for run := 0; run < maxUnprocessedRuns; run++ {
		out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return apperrors.Storage("dynamodb batch write stopwords", err)
		}
		if len(out.UnprocessedItems[d.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return apperrors.Storage("dynamodb batch write stopwords",
		fmt.Errorf("%d items still unprocessed in %s", len(pending[d.table]), d.table))
}
