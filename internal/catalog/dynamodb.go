package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "github.com/MatthewMawby/SearchIndex/pkg/errors"
)

// DDBClient is the subset of *dynamodb.Client the catalog uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDB is a Catalog on a DynamoDB table keyed by partitionID (S).
// Version updates use a conditional PutItem, so a stale writer fails with
// ConditionalCheckFailedException rather than overwriting.
//
//	aws dynamodb create-table \
//	  --table-name INDEX_PARTITION_METADATA \
//	  --attribute-definitions AttributeName=partitionID,AttributeType=S \
//	  --key-schema AttributeName=partitionID,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDB struct {
	client DDBClient
	table  string
}

func NewDynamoDB(client DDBClient, table string) *DynamoDB {
	return &DynamoDB{client: client, table: table}
}

const (
	attrID         = "partitionID"
	attrStart      = "startToken"
	attrEnd        = "endToken"
	attrStorageKey = "storageKey"
	attrSize       = "size"
	attrVersion    = "version"
)

func (d *DynamoDB) Create(ctx context.Context, meta Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      toItem(meta),
	})
	return apperrors.Storage("dynamodb put partition", err)
}

func (d *DynamoDB) FindCandidate(ctx context.Context, token string) (string, bool, error) {
	rows, err := d.scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(d.table),
		FilterExpression: aws.String("#s <= :t AND #e >= :t"),
		ExpressionAttributeNames: map[string]string{
			"#s": attrStart,
			"#e": attrEnd,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		return "", false, err
	}
	id, ok := pickCandidate(rows, token)
	return id, ok, nil
}

func (d *DynamoDB) ReadVersion(ctx context.Context, partitionID string) (int64, string, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: partitionID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, "", apperrors.Storage("dynamodb get partition", err)
	}
	if len(out.Item) == 0 {
		return 0, "", notFound(partitionID)
	}
	meta, err := fromItem(out.Item)
	if err != nil {
		return 0, "", err
	}
	return meta.Version, meta.StorageKey, nil
}

func (d *DynamoDB) Publish(ctx context.Context, meta Metadata, isNew bool) error {
	if isNew {
		return d.Create(ctx, meta)
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	read := meta.Version
	meta.Version++
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     toItem(meta),
		ConditionExpression:      aws.String("#v = :read"),
		ExpressionAttributeNames: map[string]string{"#v": attrVersion},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":read": &types.AttributeValueMemberN{Value: strconv.FormatInt(read, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return conflict(meta.PartitionID, read)
		}
		return apperrors.Storage("dynamodb publish partition", err)
	}
	return nil
}

func (d *DynamoDB) List(ctx context.Context) ([]Metadata, error) {
	return d.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(d.table)})
}

func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return apperrors.Storage("dynamodb describe table", err)
}

func (d *DynamoDB) scan(ctx context.Context, input *dynamodb.ScanInput) ([]Metadata, error) {
	var rows []Metadata
	for {
		out, err := d.client.Scan(ctx, input)
		if err != nil {
			return nil, apperrors.Storage("dynamodb scan partitions", err)
		}
		for _, item := range out.Items {
			meta, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			rows = append(rows, meta)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return rows, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func toItem(m Metadata) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID:         &types.AttributeValueMemberS{Value: m.PartitionID},
		attrStart:      &types.AttributeValueMemberS{Value: m.StartToken},
		attrEnd:        &types.AttributeValueMemberS{Value: m.EndToken},
		attrStorageKey: &types.AttributeValueMemberS{Value: m.StorageKey},
		attrSize:       &types.AttributeValueMemberN{Value: strconv.Itoa(m.Size)},
		attrVersion:    &types.AttributeValueMemberN{Value: strconv.FormatInt(m.Version, 10)},
	}
}

func fromItem(item map[string]types.AttributeValue) (Metadata, error) {
	var m Metadata
	var err error
	str := func(name string) string {
		if err != nil {
			return ""
		}
		v, ok := item[name].(*types.AttributeValueMemberS)
		if !ok {
			err = fmt.Errorf("%w: partition item attribute %s is missing or not a string", apperrors.ErrSchemaInvalid, name)
			return ""
		}
		return v.Value
	}
	num := func(name string) int64 {
		if err != nil {
			return 0
		}
		v, ok := item[name].(*types.AttributeValueMemberN)
		if !ok {
			err = fmt.Errorf("%w: partition item attribute %s is missing or not a number", apperrors.ErrSchemaInvalid, name)
			return 0
		}
		n, perr := strconv.ParseInt(v.Value, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%w: partition item attribute %s: %v", apperrors.ErrSchemaInvalid, name, perr)
		}
		return n
	}
	m.PartitionID = str(attrID)
	m.StartToken = str(attrStart)
	m.EndToken = str(attrEnd)
	m.StorageKey = str(attrStorageKey)
	m.Size = int(num(attrSize))
	m.Version = num(attrVersion)
	return m, err
}
