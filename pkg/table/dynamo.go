package table

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const batchGetChunk = 100

// dynamoAPI is the minimal DynamoDB surface required by the adapter.
// Defined here for testability.
type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoConfig configures the DynamoDB-backed store.
type DynamoConfig struct {
	TableName string
	Region    string
	// Endpoint points at DynamoDB Local when set.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// MaxAttempts bounds the SDK's exponential-backoff retries for
	// transient failures (throttling, 5xx). Defaults to 5.
	MaxAttempts int
}

// Dynamo is the DynamoDB implementation of Store.
type Dynamo struct {
	api       dynamoAPI
	tableName string
}

// NewDynamo loads AWS configuration and builds the store. Transient
// dependency errors are retried inside the SDK with bounded exponential
// backoff, so directories never implement their own retry loops.
func NewDynamo(ctx context.Context, cfg DynamoConfig) (*Dynamo, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxAttempts
			})
		}),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoWithClient(client, cfg.TableName)
}

// NewDynamoWithClient builds the store around an existing client.
func NewDynamoWithClient(api dynamoAPI, tableName string) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("table: dynamodb client must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("table: table name must not be empty")
	}
	return &Dynamo{api: api, tableName: tableName}, nil
}

func keyAttrs(key Key) Item {
	return Item{
		"PK": &types.AttributeValueMemberS{Value: key.PK},
		"SK": &types.AttributeValueMemberS{Value: key.SK},
	}
}

// Get fetches one item, returning (nil, nil) when absent.
func (d *Dynamo) Get(ctx context.Context, key Key) (Item, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key:       keyAttrs(key),
	})
	if err != nil {
		return nil, fmt.Errorf("table: get %s/%s: %w", key.PK, key.SK, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// Put writes one item, replacing any existing image.
func (d *Dynamo) Put(ctx context.Context, item Item) error {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("table: put: %w", err)
	}
	return nil
}

// Update applies a patch field by field and returns the new item image.
func (d *Dynamo) Update(ctx context.Context, key Key, patch *Patch) (Item, error) {
	if patch.Empty() {
		return nil, errors.New("table: empty patch")
	}
	var update expression.UpdateBuilder
	for _, s := range patch.sets {
		update = update.Set(expression.Name(s.name), expression.Value(s.value))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("table: build update expression: %w", err)
	}
	out, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       keyAttrs(key),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, fmt.Errorf("table: update %s/%s: %w", key.PK, key.SK, err)
	}
	return out.Attributes, nil
}

// Delete removes one item; deleting an absent item is not an error.
func (d *Dynamo) Delete(ctx context.Context, key Key) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       keyAttrs(key),
	})
	if err != nil {
		return fmt.Errorf("table: delete %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

// Query runs one structured key-condition query.
func (d *Dynamo) Query(ctx context.Context, q Query) (Page, error) {
	attrs, ok := indexAttrs[q.Index]
	if !ok {
		return Page{}, fmt.Errorf("table: unknown index %q", q.Index)
	}
	keyCond := expression.Key(attrs.pk).Equal(expression.Value(q.Partition))
	switch {
	case q.SortPrefix != "":
		keyCond = keyCond.And(expression.Key(attrs.sk).BeginsWith(q.SortPrefix))
	case q.SortAfter != "":
		keyCond = keyCond.And(expression.Key(attrs.sk).GreaterThan(expression.Value(q.SortAfter)))
	}
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return Page{}, fmt.Errorf("table: build key condition: %w", err)
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(d.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(!q.Descending),
	}
	if q.Index != "" {
		in.IndexName = aws.String(q.Index)
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(q.Limit)
	}
	if len(q.StartKey) > 0 {
		in.ExclusiveStartKey = q.StartKey
	}

	out, err := d.api.Query(ctx, in)
	if err != nil {
		return Page{}, fmt.Errorf("table: query %s %q: %w", q.Index, q.Partition, err)
	}
	page := Page{Items: out.Items}
	if len(out.LastEvaluatedKey) > 0 {
		page.LastKey = out.LastEvaluatedKey
	}
	return page, nil
}

// BatchGet fetches up to 100 keys per round trip, draining unprocessed keys.
func (d *Dynamo) BatchGet(ctx context.Context, keys []Key) ([]Item, error) {
	var items []Item
	for start := 0; start < len(keys); start += batchGetChunk {
		end := min(start+batchGetChunk, len(keys))
		pending := make([]Item, 0, end-start)
		for _, k := range keys[start:end] {
			pending = append(pending, keyAttrs(k))
		}
		// Unprocessed keys come back on throttling; the loop drains them.
		for len(pending) > 0 {
			out, err := d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					d.tableName: {Keys: pending},
				},
			})
			if err != nil {
				return nil, fmt.Errorf("table: batch get: %w", err)
			}
			items = append(items, out.Responses[d.tableName]...)
			pending = nil
			if rest, ok := out.UnprocessedKeys[d.tableName]; ok {
				pending = rest.Keys
			}
		}
	}
	return items, nil
}

// TransactPut writes all items in one transaction.
func (d *Dynamo) TransactPut(ctx context.Context, items []Item) error {
	writes := make([]types.TransactWriteItem, 0, len(items))
	for _, item := range items {
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(d.tableName), Item: item},
		})
	}
	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	}); err != nil {
		return fmt.Errorf("table: transact put: %w", err)
	}
	return nil
}

// TransactPutIfAbsent writes the guard and items in one transaction; the
// guard carries an attribute_not_exists(PK) condition so only one of several
// concurrent creators commits.
func (d *Dynamo) TransactPutIfAbsent(ctx context.Context, guard Item, items []Item) error {
	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return fmt.Errorf("table: build guard condition: %w", err)
	}
	writes := make([]types.TransactWriteItem, 0, len(items)+1)
	writes = append(writes, types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(d.tableName),
			Item:                     guard,
			ConditionExpression:      cond.Condition(),
			ExpressionAttributeNames: cond.Names(),
		},
	})
	for _, item := range items {
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(d.tableName), Item: item},
		})
	}
	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	}); err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return ErrConditionFailed
				}
			}
		}
		return fmt.Errorf("table: transact put if absent: %w", err)
	}
	return nil
}

// TransactDelete removes all keys in one transaction.
func (d *Dynamo) TransactDelete(ctx context.Context, keys []Key) error {
	writes := make([]types.TransactWriteItem, 0, len(keys))
	for _, key := range keys {
		writes = append(writes, types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(d.tableName), Key: keyAttrs(key)},
		})
	}
	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: writes,
	}); err != nil {
		return fmt.Errorf("table: transact delete: %w", err)
	}
	return nil
}
