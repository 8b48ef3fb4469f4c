package inbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/wolfman30/zapdesk/pkg/logging"
)

const bufferTTL = 24 * time.Hour

type dynamoAPI interface {
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// bufferRecord is the DynamoDB item shape, keyed by conversationId.
type bufferRecord struct {
	ConversationID string   `dynamodbav:"conversationId"`
	Fragments      []string `dynamodbav:"fragments,omitempty"`
	Seq            int64    `dynamodbav:"seq"`
	LastMessageAt  string   `dynamodbav:"lastMessageAt,omitempty"`
	ExpiresAt      int64    `dynamodbav:"expiresAt,omitempty"`
}

// DynamoBufferStore keeps debounce buffers in DynamoDB instead of the
// conversations table. Fragments are appended to a list and the counter is
// bumped in the same update; claims are conditional on the counter.
type DynamoBufferStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
}

func NewDynamoBufferStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoBufferStore {
	if client == nil {
		panic("inbox: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("inbox: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoBufferStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *DynamoBufferStore) key(conversationID uuid.UUID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"conversationId": &types.AttributeValueMemberS{Value: conversationID.String()},
	}
}

func (s *DynamoBufferStore) AppendToBuffer(ctx context.Context, conversationID uuid.UUID, text string, at time.Time) (int64, error) {
	text = strings.TrimSpace(text)
	fragments := []types.AttributeValue{}
	if text != "" {
		fragments = append(fragments, &types.AttributeValueMemberS{Value: text})
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(conversationID),
		UpdateExpression: aws.String("SET fragments = list_append(if_not_exists(fragments, :empty), :frag), seq = if_not_exists(seq, :zero) + :one, lastMessageAt = :at, expiresAt = :ttl"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":frag":  &types.AttributeValueMemberL{Value: fragments},
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":at":    &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(bufferTTL).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: dynamo append buffer: %w", err)
	}
	var rec bufferRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return 0, fmt.Errorf("inbox: decode buffer token: %w", err)
	}
	return rec.Seq, nil
}

func (s *DynamoBufferStore) ClearBufferIfTokenMatches(ctx context.Context, conversationID uuid.UUID, token int64) (string, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(conversationID),
		UpdateExpression:    aws.String("REMOVE fragments"),
		ConditionExpression: aws.String("seq = :token"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberN{Value: strconv.FormatInt(token, 10)},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return "", ErrStaleToken
		}
		return "", fmt.Errorf("inbox: dynamo clear buffer: %w", err)
	}
	var rec bufferRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return "", fmt.Errorf("inbox: decode buffer: %w", err)
	}
	s.logger.Debug("debounce buffer claimed", "conversation_id", conversationID, "fragments", len(rec.Fragments))
	return strings.Join(rec.Fragments, " "), nil
}
