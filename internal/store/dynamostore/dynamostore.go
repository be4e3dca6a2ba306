// Package dynamostore backs the presence and signal-queue interfaces with a
// single DynamoDB table, for serverless deployments where the relay runs
// behind API Gateway or on Lambda.
//
// Single-table layout:
//
//	pk                sk                              item
//	ROOM#{room}       USER#{user}                     presence row
//	ROOM#{room}       SIG#{to}#{created-ms}#{id}      signal envelope
//	ROOM#{room}       KICK                            latest kick broadcast
//	ROOM#{room}       KICKSEEN#{kickId}#{reader}      per-reader observation
//
// The SK encodes the recipient and a zero-padded creation timestamp, so a
// single Query returns one recipient's envelopes in creation order. Every
// item carries an expires_at TTL attribute; DynamoDB's TTL sweeper is the
// garbage collector, the protocol windows are the correctness filter.
package dynamostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pollmesh/pollmesh/internal/store"
)

// itemTTL bounds how long any row outlives its protocol window before the
// TTL sweeper reaps it.
const itemTTL = time.Hour

type presenceItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	UserName  string `dynamodbav:"user_name"`
	LastSeen  int64  `dynamodbav:"last_seen"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

type signalItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	EnvID     string `dynamodbav:"env_id"`
	FromID    string `dynamodbav:"from_id"`
	Payload   string `dynamodbav:"payload"`
	CreatedAt int64  `dynamodbav:"created_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

type kickItem struct {
	PK        string `dynamodbav:"pk"`
	SK        string `dynamodbav:"sk"`
	KickID    string `dynamodbav:"kick_id"`
	FromID    string `dynamodbav:"from_id"`
	CreatedAt int64  `dynamodbav:"created_at"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// Store implements store.Store over one DynamoDB table.
type Store struct {
	client *dynamodb.Client
	table  string
}

func New(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

// Open builds a Store from the ambient AWS configuration (environment,
// shared config, instance role).
func Open(ctx context.Context, table string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), table), nil
}

func roomPK(roomID string) string { return "ROOM#" + roomID }
func userSK(userID string) string { return "USER#" + userID }

func sigSK(toID string, createdMs int64, id string) string {
	// Zero-padded millis keep SK order equal to creation order.
	return fmt.Sprintf("SIG#%s#%013d#%s", toID, createdMs, id)
}

func sigPrefix(toID string) string { return "SIG#" + toID + "#" }

func kickSeenSK(kickID, readerID string) string {
	return "KICKSEEN#" + kickID + "#" + readerID
}

func expiresAt(now time.Time) int64 {
	return now.Add(itemTTL).Unix()
}

func isConditionFailure(err error) bool {
	var cf *types.ConditionalCheckFailedException
	return errors.As(err, &cf)
}

// Upsert writes the presence row unless an existing row already carries a
// newer last_seen. A losing write is silently dropped: the row is already
// fresher than this request.
func (s *Store) Upsert(ctx context.Context, roomID, userID, userName string, seen time.Time) error {
	seenMs := seen.UnixMilli()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: roomPK(roomID)},
			"sk": &types.AttributeValueMemberS{Value: userSK(userID)},
		},
		UpdateExpression:    aws.String("SET user_name = :n, last_seen = :t, expires_at = :x"),
		ConditionExpression: aws.String("attribute_not_exists(last_seen) OR last_seen <= :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberS{Value: userName},
			":t": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", seenMs)},
			":x": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt(seen))},
		},
	})
	if err != nil && !isConditionFailure(err) {
		return fmt.Errorf("dynamostore: upsert %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Touch forwards last_seen on an existing row. Missing rows and stale
// timestamps are both no-ops.
func (s *Store) Touch(ctx context.Context, roomID, userID string, seen time.Time) error {
	seenMs := seen.UnixMilli()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: roomPK(roomID)},
			"sk": &types.AttributeValueMemberS{Value: userSK(userID)},
		},
		UpdateExpression:    aws.String("SET last_seen = :t, expires_at = :x"),
		ConditionExpression: aws.String("attribute_exists(sk) AND last_seen < :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", seenMs)},
			":x": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt(seen))},
		},
	})
	if err != nil && !isConditionFailure(err) {
		return fmt.Errorf("dynamostore: touch %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Active queries the room's presence rows and filters by cutoff. The SK sort
// order already yields user ids ascending.
func (s *Store) Active(ctx context.Context, roomID string, cutoff time.Time) ([]store.Participant, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		FilterExpression:       aws.String("last_seen > :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: roomPK(roomID)},
			":prefix": &types.AttributeValueMemberS{Value: "USER#"},
			":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.UnixMilli())},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: active %s: %w", roomID, err)
	}

	participants := make([]store.Participant, 0, len(out.Items))
	for _, item := range out.Items {
		var row presenceItem
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, fmt.Errorf("dynamostore: decode presence %s: %w", roomID, err)
		}
		participants = append(participants, store.Participant{
			UserID:   row.SK[len("USER#"):],
			UserName: row.UserName,
			LastSeen: time.UnixMilli(row.LastSeen).UTC(),
		})
	}
	return participants, nil
}

func (s *Store) Remove(ctx context.Context, roomID, userID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: roomPK(roomID)},
			"sk": &types.AttributeValueMemberS{Value: userSK(userID)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamostore: remove %s/%s: %w", roomID, userID, err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, env store.Envelope) error {
	createdMs := env.CreatedAt.UnixMilli()
	switch env.Kind {
	case store.KindSignal:
		item, err := attributevalue.MarshalMap(signalItem{
			PK:        roomPK(env.RoomID),
			SK:        sigSK(env.To, createdMs, env.ID),
			EnvID:     env.ID,
			FromID:    env.From,
			Payload:   string(env.Payload),
			CreatedAt: createdMs,
			ExpiresAt: expiresAt(env.CreatedAt),
		})
		if err != nil {
			return fmt.Errorf("dynamostore: marshal signal: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		if err != nil {
			return fmt.Errorf("dynamostore: append signal %s: %w", env.RoomID, err)
		}
		return nil

	case store.KindKickAll:
		item, err := attributevalue.MarshalMap(kickItem{
			PK:        roomPK(env.RoomID),
			SK:        "KICK",
			KickID:    env.ID,
			FromID:    env.From,
			CreatedAt: createdMs,
			ExpiresAt: expiresAt(env.CreatedAt),
		})
		if err != nil {
			return fmt.Errorf("dynamostore: marshal kick: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		if err != nil {
			return fmt.Errorf("dynamostore: append kick %s: %w", env.RoomID, err)
		}
		return nil

	default:
		return fmt.Errorf("dynamostore: unknown envelope kind %q", env.Kind)
	}
}

// ConsumeSignals queries the recipient's envelopes in SK order and claims
// each with a conditional delete. Two concurrent heartbeats both query the
// same rows; only the delete that finds the item still present wins it.
func (s *Store) ConsumeSignals(ctx context.Context, roomID, userID string, cutoff time.Time) ([]store.Envelope, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		FilterExpression:       aws.String("created_at > :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: roomPK(roomID)},
			":prefix": &types.AttributeValueMemberS{Value: sigPrefix(userID)},
			":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.UnixMilli())},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: query signals %s/%s: %w", roomID, userID, err)
	}

	envs := make([]store.Envelope, 0, len(out.Items))
	for _, item := range out.Items {
		var row signalItem
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, fmt.Errorf("dynamostore: decode signal %s/%s: %w", roomID, userID, err)
		}

		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: row.PK},
				"sk": &types.AttributeValueMemberS{Value: row.SK},
			},
			ConditionExpression: aws.String("attribute_exists(sk)"),
		})
		if isConditionFailure(err) {
			// A concurrent heartbeat claimed it first.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dynamostore: claim signal %s: %w", row.SK, err)
		}

		envs = append(envs, store.Envelope{
			ID:        row.EnvID,
			RoomID:    roomID,
			From:      row.FromID,
			To:        userID,
			Kind:      store.KindSignal,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
		})
	}
	return envs, nil
}

// ConsumeKick reads the room's kick slot and records this reader's
// observation with a create-only put. The conditional put is what makes the
// observation once-per-reader.
func (s *Store) ConsumeKick(ctx context.Context, roomID, userID string, cutoff time.Time) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: roomPK(roomID)},
			"sk": &types.AttributeValueMemberS{Value: "KICK"},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("dynamostore: get kick %s: %w", roomID, err)
	}
	if out.Item == nil {
		return false, nil
	}

	var row kickItem
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return false, fmt.Errorf("dynamostore: decode kick %s: %w", roomID, err)
	}
	if row.CreatedAt <= cutoff.UnixMilli() || row.FromID == userID {
		return false, nil
	}

	seen, err := attributevalue.MarshalMap(map[string]any{
		"pk":         roomPK(roomID),
		"sk":         kickSeenSK(row.KickID, userID),
		"expires_at": expiresAt(time.UnixMilli(row.CreatedAt)),
	})
	if err != nil {
		return false, fmt.Errorf("dynamostore: marshal kick seen: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                seen,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamostore: mark kick seen %s: %w", roomID, err)
	}
	return true, nil
}

var _ store.Store = (*Store)(nil)
