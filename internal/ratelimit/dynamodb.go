package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxIncrementRounds bounds the update/reset loop in DynamoDBStorage.Increment.
const maxIncrementRounds = 3

// ErrIncrementContention is returned when a DynamoDB counter kept being reset
// by other writers while this one tried to increment it.
var ErrIncrementContention = errors.New("ratelimit: counter contention, increment not applied")

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStorage.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStorage implements Storage using AWS DynamoDB.
// Every record is one item keyed by "key". Expiry is tracked in expires_at
// (Unix milliseconds) and checked on every read, because DynamoDB's native TTL
// (the "ttl" attribute, Unix seconds) deletes items only eventually.
type DynamoDBStorage struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

// DynamoDBConfig contains configuration for DynamoDB storage.
type DynamoDBConfig struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint (e.g. DynamoDB Local)
	Endpoint string
}

const (
	kindCounter = "counter"
	kindBucket  = "bucket"
	kindPenalty = "penalty"
)

// dynamoDBItem represents a rate limit record in DynamoDB
type dynamoDBItem struct {
	Key        string  `dynamodbav:"key"`
	Kind       string  `dynamodbav:"kind"`
	Hits       int64   `dynamodbav:"hits,omitempty"`
	Tokens     float64 `dynamodbav:"tokens,omitempty"`
	LastRefill int64   `dynamodbav:"last_refill,omitempty"`
	Version    int64   `dynamodbav:"version"`
	ExpiresAt  int64   `dynamodbav:"expires_at"`
	TTL        int64   `dynamodbav:"ttl"`
}

// NewDynamoDBStorage creates a new DynamoDB-backed rate limit storage
func NewDynamoDBStorage(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBStorage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewDynamoDBStorageFromClient(client, cfg.Table), nil
}

// NewDynamoDBStorageFromClient wraps an existing DynamoDB client.
func NewDynamoDBStorageFromClient(client DynamoDBAPI, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (d *DynamoDBStorage) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key": &types.AttributeValueMemberS{Value: key},
	}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// getLive fetches key and returns the item only if it exists, is of the
// requested kind and has not expired.
func (d *DynamoDBStorage) getLive(ctx context.Context, key, kind string) (*dynamoDBItem, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item dynamoDBItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB item: %w", err)
	}
	if item.Kind != kind || item.ExpiresAt <= d.now().UnixMilli() {
		return nil, nil
	}
	return &item, nil
}

func (d *DynamoDBStorage) put(ctx context.Context, item dynamoDBItem, ttl time.Duration) error {
	input, err := d.putInput(item, ttl)
	if err != nil {
		return err
	}
	if _, err := d.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("failed to put item to DynamoDB: %w", err)
	}
	return nil
}

func (d *DynamoDBStorage) putInput(item dynamoDBItem, ttl time.Duration) (*dynamodb.PutItemInput, error) {
	expiresAt := d.now().Add(ttl)
	item.ExpiresAt = expiresAt.UnixMilli()
	item.TTL = expiresAt.Unix() + 1

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DynamoDB item: %w", err)
	}
	return &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      av,
	}, nil
}

// Get retrieves token bucket state from DynamoDB
func (d *DynamoDBStorage) Get(ctx context.Context, key string) (*BucketState, bool, error) {
	item, err := d.getLive(ctx, key, kindBucket)
	if err != nil || item == nil {
		return nil, false, err
	}

	return &BucketState{
		Tokens:     item.Tokens,
		LastRefill: item.LastRefill,
	}, true, nil
}

// Set stores token bucket state in DynamoDB
func (d *DynamoDBStorage) Set(ctx context.Context, key string, state BucketState, ttl time.Duration) error {
	return d.put(ctx, dynamoDBItem{
		Key:        key,
		Kind:       kindBucket,
		Tokens:     state.Tokens,
		LastRefill: state.LastRefill,
	}, ttl)
}

// Update reads the bucket, applies fn and writes the result with a PutItem
// conditioned on the version that was read (or, for a new bucket, on there
// being no live bucket). A failed condition means another writer got there
// first, so the read is repeated, at most maxUpdateRounds times. fn may
// therefore run more than once.
func (d *DynamoDBStorage) Update(ctx context.Context, key string, ttl time.Duration, fn func(state BucketState, exists bool) BucketState) (BucketState, error) {
	for round := 0; round < maxUpdateRounds; round++ {
		item, err := d.getLive(ctx, key, kindBucket)
		if err != nil {
			return BucketState{}, err
		}

		var current BucketState
		if item != nil {
			current = BucketState{Tokens: item.Tokens, LastRefill: item.LastRefill}
		}
		next := fn(current, item != nil)
		if item != nil && next == current {
			return next, nil
		}

		written, err := d.putBucketIf(ctx, key, next, ttl, item)
		if err != nil {
			return BucketState{}, err
		}
		if written {
			return next, nil
		}
	}

	return BucketState{}, ErrUpdateContention
}

// putBucketIf stores state as the successor of prev, or as a new bucket if
// prev is nil. It returns false if the stored item no longer matches.
func (d *DynamoDBStorage) putBucketIf(ctx context.Context, key string, state BucketState, ttl time.Duration, prev *dynamoDBItem) (bool, error) {
	next := dynamoDBItem{
		Key:        key,
		Kind:       kindBucket,
		Tokens:     state.Tokens,
		LastRefill: state.LastRefill,
		Version:    1,
	}
	if prev != nil {
		next.Version = prev.Version + 1
	}

	input, err := d.putInput(next, ttl)
	if err != nil {
		return false, err
	}

	now := numberValue(d.now().UnixMilli())
	if prev != nil {
		input.ConditionExpression = aws.String("#ver = :ver AND #exp > :now")
		input.ExpressionAttributeNames = map[string]string{"#ver": "version", "#exp": "expires_at"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":ver": numberValue(prev.Version),
			":now": now,
		}
	} else {
		input.ConditionExpression = aws.String("attribute_not_exists(#key) OR #exp <= :now OR #kind <> :kind")
		input.ExpressionAttributeNames = map[string]string{"#key": "key", "#exp": "expires_at", "#kind": "kind"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":now":  now,
			":kind": &types.AttributeValueMemberS{Value: kindBucket},
		}
	}

	_, err = d.client.PutItem(ctx, input)
	if err == nil {
		return true, nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return false, nil
	}
	return false, fmt.Errorf("failed to update bucket in DynamoDB: %w", err)
}

// Delete removes the item for key.
func (d *DynamoDBStorage) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete item from DynamoDB: %w", err)
	}
	return nil
}

// Increment adds one to the counter with a single conditional UpdateItem.
// The expiry is written only if the item has none yet. An expired counter is
// replaced by a fresh one through a conditional PutItem that only succeeds
// while the old item is still expired; losing that race means another writer
// reset it first, so the update is tried again.
func (d *DynamoDBStorage) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	for round := 0; round < maxIncrementRounds; round++ {
		now := d.now()
		expiresAt := now.Add(ttl)

		out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(d.tableName),
			Key:              d.itemKey(key),
			UpdateExpression: aws.String("ADD #hits :one SET #kind = :kind, #exp = if_not_exists(#exp, :exp), #ttl = if_not_exists(#ttl, :ttl)"),
			ConditionExpression: aws.String(
				"attribute_not_exists(#key) OR #exp > :now",
			),
			ExpressionAttributeNames: map[string]string{
				"#key":  "key",
				"#hits": "hits",
				"#kind": "kind",
				"#exp":  "expires_at",
				"#ttl":  "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":  numberValue(1),
				":kind": &types.AttributeValueMemberS{Value: kindCounter},
				":exp":  numberValue(expiresAt.UnixMilli()),
				":ttl":  numberValue(expiresAt.Unix() + 1),
				":now":  numberValue(now.UnixMilli()),
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
		if err == nil {
			var updated struct {
				Hits int64 `dynamodbav:"hits"`
			}
			if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
				return 0, fmt.Errorf("failed to unmarshal counter: %w", err)
			}
			return updated.Hits, nil
		}

		var conditionFailed *types.ConditionalCheckFailedException
		if !errors.As(err, &conditionFailed) {
			return 0, fmt.Errorf("failed to increment counter in DynamoDB: %w", err)
		}

		reset, err := d.resetExpiredCounter(ctx, key, now, expiresAt)
		if err != nil {
			return 0, err
		}
		if reset {
			return 1, nil
		}
	}

	return 0, ErrIncrementContention
}

// resetExpiredCounter replaces an expired item with a counter at one.
// It returns false if the item was no longer expired when the write landed.
func (d *DynamoDBStorage) resetExpiredCounter(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	av, err := attributevalue.MarshalMap(dynamoDBItem{
		Key:       key,
		Kind:      kindCounter,
		Hits:      1,
		ExpiresAt: expiresAt.UnixMilli(),
		TTL:       expiresAt.Unix() + 1,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal DynamoDB item: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.tableName),
		Item:                     av,
		ConditionExpression:      aws.String("#exp <= :now"),
		ExpressionAttributeNames: map[string]string{"#exp": "expires_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberValue(now.UnixMilli()),
		},
	})
	if err == nil {
		return true, nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return false, nil
	}
	return false, fmt.Errorf("failed to reset counter in DynamoDB: %w", err)
}

// SetPenalty stores a penalty marker for key.
func (d *DynamoDBStorage) SetPenalty(ctx context.Context, key string, ttl time.Duration) error {
	return d.put(ctx, dynamoDBItem{Key: key, Kind: kindPenalty}, ttl)
}

// CheckPenalty reports whether an unexpired penalty marker exists for key.
func (d *DynamoDBStorage) CheckPenalty(ctx context.Context, key string) (bool, error) {
	item, err := d.getLive(ctx, key, kindPenalty)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// Close closes the DynamoDB client
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}

// Ping checks if DynamoDB is accessible
func (d *DynamoDBStorage) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}
	return nil
}
