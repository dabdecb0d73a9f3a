package appeal

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DynamoDBStore implements Store using AWS DynamoDB, keyed by CallID.
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB appeal store
func NewDynamoDBStore(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	var client *dynamodb.Client

	if cfg.Mode == DynamoModeLocal {
		// For local mode, build the client directly without LoadDefaultConfig.
		// LoadDefaultConfig probes the EC2 IMDS endpoint which hangs on EC2
		// instances when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	store := &DynamoDBStore{
		client: client,
		config: cfg,
		logger: logger,
	}

	// Create tables in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTableIfNotExists(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("appeal store initialized")

	return store, nil
}

// Save upserts an appeal by call id. A second submit for the same call
// replaces the previous item instead of adding a row.
func (s *DynamoDBStore) Save(ctx context.Context, appeal types.Appeal) (types.Appeal, error) {
	if appeal.ID == "" {
		appeal.ID = uuid.New().String()
	}
	if appeal.UpdatedAt.IsZero() {
		appeal.UpdatedAt = time.Now().UTC()
	}

	item, err := attributevalue.MarshalMap(appeal)
	if err != nil {
		return types.Appeal{}, fmt.Errorf("failed to marshal appeal: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.AppealsTable),
		Item:      item,
	})
	if err != nil {
		return types.Appeal{}, fmt.Errorf("failed to save appeal: %w", err)
	}
	return appeal, nil
}

// Get returns the appeal for one call, or nil when none was recorded.
func (s *DynamoDBStore) Get(ctx context.Context, callID string) (*types.Appeal, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"CallID": callID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.AppealsTable),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get appeal: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var appeal types.Appeal
	if err := attributevalue.UnmarshalMap(result.Item, &appeal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal appeal: %w", err)
	}
	return &appeal, nil
}

// ListByOperator returns the appeals written by one operator, used for
// follow-up queues. A scan with filter is enough at this volume; a GSI on
// OperatorID would be the upgrade path.
func (s *DynamoDBStore) ListByOperator(ctx context.Context, operatorID string) ([]types.Appeal, error) {
	filter := expression.Name("OperatorID").Equal(expression.Value(operatorID))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.AppealsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan appeals: %w", err)
	}

	var appeals []types.Appeal
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &appeals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal appeals: %w", err)
	}
	return appeals, nil
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, logger zerolog.Logger) (Store, error) {
	cfg := LoadDynamoConfig()

	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("appeal store disabled (DYNAMO_MODE=none)")
		return NewNoopStore(), nil
	}
}
