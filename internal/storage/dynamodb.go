package storage

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
	"github.com/dialtide/voicebridge/internal/types"
	"github.com/rs/zerolog"
)

// DynamoDBStore implements Store using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	config DynamoConfig
	logger zerolog.Logger
}

// NewDynamoDBStore creates a new DynamoDB store
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
		if err := CreateTablesIfNotExist(ctx, client, cfg, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Msg("DynamoDB store initialized")

	return store, nil
}

func (s *DynamoDBStore) SaveCall(call types.Call) error {
	item, err := attributevalue.MarshalMap(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}

	_, err = s.client.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(s.config.CallsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetCall(callID string) (*types.Call, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"CallID": callID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	result, err := s.client.GetItem(context.Background(), &dynamodb.GetItemInput{
		TableName: aws.String(s.config.CallsTable),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var call types.Call
	if err := attributevalue.UnmarshalMap(result.Item, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &call, nil
}

func (s *DynamoDBStore) ListStaleCalls(cutoff time.Time) ([]types.Call, error) {
	// Non-terminal statuses only; times marshal as RFC3339 so string
	// comparison orders chronologically.
	filter := expression.Name("Status").In(
		expression.Value(string(types.CallStatusPending)),
		expression.Value(string(types.CallStatusInitiated)),
		expression.Value(string(types.CallStatusRinging)),
		expression.Value(string(types.CallStatusInProgress)),
	).And(expression.Name("StartedAt").LessThan(expression.Value(cutoff.Format(time.RFC3339))))

	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Scan(context.Background(), &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.CallsTable),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale calls: %w", err)
	}

	var calls []types.Call
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &calls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal calls: %w", err)
	}
	return calls, nil
}

func (s *DynamoDBStore) SaveContact(contact types.Contact) error {
	item, err := attributevalue.MarshalMap(contact)
	if err != nil {
		return fmt.Errorf("failed to marshal contact: %w", err)
	}

	_, err = s.client.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(s.config.ContactsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) ListPendingContacts(campaignID string, limit int) ([]types.Contact, error) {
	keyCond := expression.Key("CampaignID").Equal(expression.Value(campaignID))
	filter := expression.Name("Status").Equal(expression.Value(string(types.ContactStatusPending)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.ContactsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query pending contacts: %w", err)
	}

	var contacts []types.Contact
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &contacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contacts: %w", err)
	}
	return contacts, nil
}

func (s *DynamoDBStore) ListContacts(campaignID string) ([]types.Contact, error) {
	keyCond := expression.Key("CampaignID").Equal(expression.Value(campaignID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.Query(context.Background(), &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.ContactsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}

	var contacts []types.Contact
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &contacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contacts: %w", err)
	}
	return contacts, nil
}

// Client exposes the underlying DynamoDB client so collaborators sharing
// the connection (the credit ledger) do not open a second one
func (s *DynamoDBStore) Client() *dynamodb.Client {
	return s.client
}

// CreditsTable returns the configured credit-ledger table name
func (s *DynamoDBStore) CreditsTable() string {
	return s.config.CreditsTable
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, logger zerolog.Logger) (Store, error) {
	cfg := LoadDynamoConfig()

	switch cfg.Mode {
	case DynamoModeLocal, DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("DynamoDB disabled (DYNAMO_MODE=none), using in-memory store")
		return NewMemoryStore(), nil
	}
}
