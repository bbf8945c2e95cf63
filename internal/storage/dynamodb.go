package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode     DynamoMode
	Endpoint string // for local mode
	Region   string
	Table    string
}

// DynamoDBStore implements Store using AWS DynamoDB, one item per call
// keyed by CallID. Conditional writes use ConditionExpression on Status.
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

	// Create the table in local mode
	if cfg.Mode == DynamoModeLocal {
		if err := CreateTableIfNotExist(ctx, client, cfg.Table, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.Table).
		Msg("DynamoDB store initialized")

	return store, nil
}

func (s *DynamoDBStore) Seed(ctx context.Context, conv *types.Conversation) error {
	doc := cloneConversation(conv)
	if doc.Status == "" {
		doc.Status = types.CallStatusActive
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.Messages == nil {
		doc.Messages = []types.Message{}
	}

	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(CallID)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to seed conversation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) AppendMessage(ctx context.Context, callID string, meta types.CallMeta, msg types.Message) error {
	av, err := attributevalue.MarshalMap(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	now, err := attributevalue.Marshal(time.Now())
	if err != nil {
		return fmt.Errorf("failed to marshal timestamp: %w", err)
	}

	// expression.Builder has no list_append(if_not_exists(...)) helper
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.Table),
		Key:       s.key(callID),
		UpdateExpression: aws.String("SET #msgs = list_append(if_not_exists(#msgs, :empty), :msg), " +
			"#st = if_not_exists(#st, :active), #step = if_not_exists(#step, :one), " +
			"#name = if_not_exists(#name, :name), #phone = if_not_exists(#phone, :phone), " +
			"#room = if_not_exists(#room, :room), #created = if_not_exists(#created, :now), " +
			"#hot = if_not_exists(#hot, :false)"),
		ConditionExpression: aws.String("attribute_not_exists(CallID) OR #st = :active"),
		ExpressionAttributeNames: map[string]string{
			"#msgs":    "Messages",
			"#st":      "Status",
			"#step":    "StepIndex",
			"#name":    "Name",
			"#phone":   "PhoneNo",
			"#room":    "Room",
			"#created": "CreatedAt",
			"#hot":     "HotLead",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":empty":  &dbtypes.AttributeValueMemberL{Value: []dbtypes.AttributeValue{}},
			":msg":    &dbtypes.AttributeValueMemberL{Value: []dbtypes.AttributeValue{&dbtypes.AttributeValueMemberM{Value: av}}},
			":active": &dbtypes.AttributeValueMemberS{Value: string(types.CallStatusActive)},
			":one":    &dbtypes.AttributeValueMemberN{Value: "1"},
			":name":   &dbtypes.AttributeValueMemberS{Value: meta.Name},
			":phone":  &dbtypes.AttributeValueMemberS{Value: meta.PhoneNo},
			":room":   &dbtypes.AttributeValueMemberS{Value: meta.Room},
			":now":    now,
			":false":  &dbtypes.AttributeValueMemberBOOL{Value: false},
		},
	})
	if isConditionFailed(err) {
		return ErrCallClosed
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SetStepIndex(ctx context.Context, callID string, stepIndex int) error {
	update := expression.Set(expression.Name("StepIndex"), expression.Value(stepIndex))
	cond := expression.AttributeExists(expression.Name("CallID")).
		And(expression.Name("Status").Equal(expression.Value(types.CallStatusActive)))

	err := s.conditionalUpdate(ctx, callID, update, cond)
	if isConditionFailed(err) {
		if _, getErr := s.Get(ctx, callID); getErr != nil {
			return getErr
		}
		return ErrCallClosed
	}
	if err != nil {
		return fmt.Errorf("failed to set step index: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SetRecording(ctx context.Context, callID, recordingFile, egressID, recordingErr string) error {
	update := expression.Set(expression.Name("RecordingError"), expression.Value(recordingErr))
	if recordingFile != "" {
		update = update.Set(expression.Name("RecordingFile"), expression.Value(recordingFile))
	}
	if egressID != "" {
		update = update.Set(expression.Name("EgressID"), expression.Value(egressID))
	}

	err := s.conditionalUpdate(ctx, callID, update, expression.AttributeExists(expression.Name("CallID")))
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to set recording: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) TransitionStatus(ctx context.Context, callID string, from, to types.CallStatus, upd types.StatusUpdate) (bool, error) {
	if !types.CanTransition(from, to) {
		return false, nil
	}

	update := expression.Set(expression.Name("Status"), expression.Value(to))
	if upd.EndedAt != nil {
		update = update.Set(expression.Name("EndedAt"), expression.Value(upd.EndedAt))
	}
	if upd.Evaluation != nil {
		update = update.Set(expression.Name("Evaluation"), expression.Value(upd.Evaluation))
	}
	if upd.HotLead {
		update = update.Set(expression.Name("HotLead"), expression.Value(true))
	}
	if upd.EvaluatedAt != nil {
		update = update.Set(expression.Name("EvaluatedAt"), expression.Value(upd.EvaluatedAt))
	}
	if upd.EvaluationRaw != "" {
		update = update.Set(expression.Name("EvaluationRaw"), expression.Value(upd.EvaluationRaw))
	}
	if upd.EvaluationError != "" {
		update = update.Set(expression.Name("EvaluationError"), expression.Value(upd.EvaluationError))
	}
	cond := expression.AttributeExists(expression.Name("CallID")).
		And(expression.Name("Status").Equal(expression.Value(from)))

	err := s.conditionalUpdate(ctx, callID, update, cond)
	if isConditionFailed(err) {
		if _, getErr := s.Get(ctx, callID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition status: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) ClaimEscalation(ctx context.Context, callID string, observed *time.Time, at time.Time) (bool, error) {
	update := expression.Set(expression.Name("EscalationClaimedAt"), expression.Value(at)).
		Add(expression.Name("EscalationAttempts"), expression.Value(1))

	claim := expression.AttributeNotExists(expression.Name("EscalationClaimedAt"))
	if observed != nil {
		claim = expression.Name("EscalationClaimedAt").Equal(expression.Value(*observed))
	}
	cond := expression.AttributeExists(expression.Name("CallID")).And(
		expression.Name("Status").Equal(expression.Value(types.CallStatusCompleted)),
		expression.AttributeNotExists(expression.Name("EscalatedAt")),
		claim,
	)

	err := s.conditionalUpdate(ctx, callID, update, cond)
	if isConditionFailed(err) {
		if _, getErr := s.Get(ctx, callID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim escalation: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) SetEscalation(ctx context.Context, callID string, escalatedAt *time.Time, escalationErr string) error {
	update := expression.Set(expression.Name("EscalationError"), expression.Value(escalationErr)).
		Remove(expression.Name("EscalationClaimedAt"))
	if escalatedAt != nil {
		update = update.Set(expression.Name("EscalatedAt"), expression.Value(escalatedAt))
	}

	err := s.conditionalUpdate(ctx, callID, update, expression.AttributeExists(expression.Name("CallID")))
	if isConditionFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to set escalation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, callID string) (*types.Conversation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            s.key(callID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var conv types.Conversation
	if err := attributevalue.UnmarshalMap(result.Item, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &conv, nil
}

func (s *DynamoDBStore) FindLatestByPhone(ctx context.Context, phone string, since time.Time) (*types.Conversation, error) {
	filter := expression.Name("PhoneNo").Equal(expression.Value(phone)).
		And(expression.Name("Status").NotEqual(expression.Value(types.CallStatusActive)))
	convs, err := s.scan(ctx, &filter)
	if err != nil {
		return nil, err
	}

	// CreatedAt is stored as an RFC3339 string, so the window is applied here
	var latest *types.Conversation
	for i := range convs {
		if matchesPhone(&convs[i], phone, since) && (latest == nil || convs[i].CreatedAt.After(latest.CreatedAt)) {
			latest = &convs[i]
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *DynamoDBStore) ListByStatus(ctx context.Context, status types.CallStatus, limit int) ([]types.Conversation, error) {
	filter := expression.Name("Status").Equal(expression.Value(status))
	convs, err := s.scan(ctx, &filter)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(convs)
	return truncate(convs, limit), nil
}

func (s *DynamoDBStore) ListPendingEscalations(ctx context.Context, maxAttempts, limit int) ([]types.Conversation, error) {
	filter := expression.Name("Status").Equal(expression.Value(types.CallStatusCompleted)).And(
		expression.Name("HotLead").Equal(expression.Value(true)),
		expression.AttributeNotExists(expression.Name("EscalatedAt")),
	)
	if maxAttempts > 0 {
		filter = filter.And(expression.AttributeNotExists(expression.Name("EscalationAttempts")).
			Or(expression.Name("EscalationAttempts").LessThan(expression.Value(maxAttempts))))
	}
	convs, err := s.scan(ctx, &filter)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(convs)
	return truncate(convs, limit), nil
}

func (s *DynamoDBStore) ListRecent(ctx context.Context, limit int) ([]types.Conversation, error) {
	convs, err := s.scan(ctx, nil)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(convs)
	return truncate(convs, limit), nil
}

func (s *DynamoDBStore) Close(_ context.Context) error { return nil }

func (s *DynamoDBStore) key(callID string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"CallID": &dbtypes.AttributeValueMemberS{Value: callID},
	}
}

func (s *DynamoDBStore) conditionalUpdate(ctx context.Context, callID string, update expression.UpdateBuilder, cond expression.ConditionBuilder) error {
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.Table),
		Key:                       s.key(callID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

// scan reads the whole table with an optional filter. The table is keyed by
// CallID only; a GSI on Status/PhoneNo would avoid the scan at higher volume.
func (s *DynamoDBStore) scan(ctx context.Context, filter *expression.ConditionBuilder) ([]types.Conversation, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.config.Table),
	}
	if filter != nil {
		expr, err := expression.NewBuilder().WithFilter(*filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	out := make([]types.Conversation, 0)
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversations: %w", err)
		}
		var convs []types.Conversation
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &convs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversations: %w", err)
		}
		out = append(out, convs...)
	}
	return out, nil
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
