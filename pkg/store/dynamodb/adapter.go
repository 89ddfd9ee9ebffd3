// Package dynamodb stores lock records as DynamoDB items with ISO-8601 timestamps.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/nimlock/pkg/lock"
	"github.com/nimburion/nimlock/pkg/observability/logger"
	"github.com/nimburion/nimlock/pkg/observability/tracing"
)

const (
	defaultTable            = "nimlock"
	defaultOperationTimeout = 3 * time.Second

	attrID        = "_id"
	attrLockUntil = "lockUntil"
	attrLockedAt  = "lockedAt"
	attrLockedBy  = "lockedBy"

	// Fixed width so string comparison orders instants.
	timeLayout = "2006-01-02T15:04:05.000Z"

	insertCondition = "attribute_not_exists(#id)"
	updateCondition = "#lockUntil <= :now"
	extendCondition = "#lockUntil > :now AND #lockedBy = :holder"
	unlockCondition = "attribute_exists(#id)"

	acquireUpdate = "SET #lockUntil = :lockUntil, #lockedAt = :now, #lockedBy = :holder"
	untilUpdate   = "SET #lockUntil = :lockUntil"
)

// API is the subset of the DynamoDB client used by the accessor.
type API interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, input *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds DynamoDB lock storage configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	Table            string
	Holder           string
	CreateTable      bool
	OperationTimeout time.Duration
	Clock            lock.Clock
}

func (c *Config) normalize() {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	c.Holder = lock.HolderOrDefault(c.Holder)
	if c.Clock == nil {
		c.Clock = lock.SystemClock
	}
}

// Accessor implements lock.StorageAccessor on a DynamoDB table with a string "_id" hash key.
type Accessor struct {
	client API
	log    logger.Logger
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open builds an AWS SDK v2 client, optionally creates the table and checks it exists.
func Open(cfg Config, log logger.Logger) (*Accessor, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	a, err := New(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if cfg.CreateTable {
		if err := a.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.HealthCheck(ctx); err != nil {
		return nil, err
	}

	log.Info("dynamodb lock storage initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", cfg.Table)
	return a, nil
}

// New wraps an existing client.
func New(client API, cfg Config, log logger.Logger) (*Accessor, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Accessor{client: client, log: log, config: cfg}, nil
}

// EnsureTable creates the lock table with on-demand billing. An existing table is accepted.
func (a *Accessor) EnsureTable(ctx context.Context) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.CreateTable(opCtx, &dynamodb.CreateTableInput{
		TableName: aws.String(a.config.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create dynamodb lock table %s: %w", a.config.Table, err)
	}
	return nil
}

// InsertRecord implements lock.StorageAccessor.
func (a *Accessor) InsertRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	if err := a.ensureOpen(); err != nil {
		return false, err
	}
	ctx, span := tracing.StartStorageSpan(ctx, "dynamodb", "insert", cfg.Name())
	defer func() { tracing.End(span, err) }()
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err = a.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(a.config.Table),
		Item: map[string]types.AttributeValue{
			attrID:        &types.AttributeValueMemberS{Value: cfg.Name()},
			attrLockUntil: timeValue(cfg.LockAtMostUntil()),
			attrLockedAt:  timeValue(a.config.Clock.Now()),
			attrLockedBy:  &types.AttributeValueMemberS{Value: a.config.Holder},
		},
		ConditionExpression:      aws.String(insertCondition),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	return a.conditional(cfg.Name(), err)
}

// UpdateRecord implements lock.StorageAccessor. Items without lockUntil never satisfy the condition.
func (a *Accessor) UpdateRecord(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "dynamodb", "update", cfg.Name())
	defer func() { tracing.End(span, err) }()
	return a.update(ctx, cfg.Name(), acquireUpdate, updateCondition,
		map[string]string{"#lockUntil": attrLockUntil, "#lockedAt": attrLockedAt, "#lockedBy": attrLockedBy},
		map[string]types.AttributeValue{
			":lockUntil": timeValue(cfg.LockAtMostUntil()),
			":now":       timeValue(a.config.Clock.Now()),
			":holder":    &types.AttributeValueMemberS{Value: a.config.Holder},
		})
}

// Extend implements lock.StorageAccessor.
func (a *Accessor) Extend(ctx context.Context, cfg lock.Configuration) (ok bool, err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "dynamodb", "extend", cfg.Name())
	defer func() { tracing.End(span, err) }()
	return a.update(ctx, cfg.Name(), untilUpdate, extendCondition,
		map[string]string{"#lockUntil": attrLockUntil, "#lockedBy": attrLockedBy},
		map[string]types.AttributeValue{
			":lockUntil": timeValue(cfg.LockAtMostUntil()),
			":now":       timeValue(a.config.Clock.Now()),
			":holder":    &types.AttributeValueMemberS{Value: a.config.Holder},
		})
}

// Unlock implements lock.StorageAccessor. A missing item is left missing.
func (a *Accessor) Unlock(ctx context.Context, cfg lock.Configuration) (err error) {
	ctx, span := tracing.StartStorageSpan(ctx, "dynamodb", "unlock", cfg.Name())
	defer func() { tracing.End(span, err) }()
	_, err = a.update(ctx, cfg.Name(), untilUpdate, unlockCondition,
		map[string]string{"#id": attrID, "#lockUntil": attrLockUntil},
		map[string]types.AttributeValue{
			":lockUntil": timeValue(cfg.UnlockTime(a.config.Clock.Now())),
		})
	return err
}

func (a *Accessor) update(
	ctx context.Context,
	name, expression, condition string,
	names map[string]string,
	values map[string]types.AttributeValue,
) (bool, error) {
	if err := a.ensureOpen(); err != nil {
		return false, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(a.config.Table),
		Key:                       map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: name}},
		UpdateExpression:          aws.String(expression),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return a.conditional(name, err)
}

// HealthCheck describes the lock table.
func (a *Accessor) HealthCheck(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	if _, err := a.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(a.config.Table)}); err != nil {
		a.log.Error("dynamodb health check failed", "table", a.config.Table, "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close marks the accessor closed. The SDK client holds no connections to release.
func (a *Accessor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Accessor) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("dynamodb lock storage is closed")
	}
	return nil
}

func (a *Accessor) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.config.OperationTimeout)
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: formatTime(t)}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (a *Accessor) conditional(name string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var failed *types.ConditionalCheckFailedException
	if errors.As(err, &failed) {
		return false, nil
	}
	if IsThrottlingError(err) {
		a.log.Warn("dynamodb lock request throttled", "lock", name, "table", a.config.Table)
	}
	return false, err
}

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}
