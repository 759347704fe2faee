package livestream

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

const (
	dynamoKeyAttr    = "pk"
	dynamoKindAttr   = "kind"
	dynamoKindStream = "stream"
	dynamoKindSeller = "seller"
)

// DynamoDBStore keeps stream records and seller references in one table
// with a string partition key "pk": "stream#{id}" and "seller#{id}".
// Writes are conditional on the stored version.
type DynamoDBStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBStore returns a store backed by tableName.
func NewDynamoDBStore(client dynamodbiface.DynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

func streamPK(id StreamID) string { return "stream#" + string(id) }

func sellerPK(sellerID string) string { return "seller#" + sellerID }

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

// EnsureTable creates the table if it does not exist. Intended for local
// development against DynamoDB Local.
func (s *DynamoDBStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("describe table %s: %w", s.tableName, err)
	}

	_, err = s.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(dynamoKeyAttr), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(dynamoKeyAttr), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}
	return s.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
}

// Get implements Store.Get.
func (s *DynamoDBStore) Get(ctx context.Context, id StreamID) (*StreamRecord, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr: {S: aws.String(streamPK(id))},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var rec StreamRecord
	if err := dynamodbattribute.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("decode stream %s: %w", id, err)
	}
	return &rec, nil
}

// Put implements Store.Put.
func (s *DynamoDBStore) Put(ctx context.Context, rec *StreamRecord, expectedVersion int64) error {
	item, err := dynamodbattribute.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("encode stream %s: %w", rec.ID, err)
	}
	item[dynamoKeyAttr] = &dynamodb.AttributeValue{S: aws.String(streamPK(rec.ID))}
	item[dynamoKindAttr] = &dynamodb.AttributeValue{S: aws.String(dynamoKindStream)}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if expectedVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(" + dynamoKeyAttr + ")")
	} else {
		input.ConditionExpression = aws.String("#v = :v")
		input.ExpressionAttributeNames = map[string]*string{"#v": aws.String("version")}
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":v": {N: aws.String(strconv.FormatInt(expectedVersion, 10))},
		}
	}

	if _, err := s.client.PutItemWithContext(ctx, input); err != nil {
		if isConditionFailed(err) {
			return ErrVersionMismatch
		}
		return fmt.Errorf("put stream %s: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Store.Delete.
func (s *DynamoDBStore) Delete(ctx context.Context, id StreamID) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr: {S: aws.String(streamPK(id))},
		},
	})
	if err != nil {
		return fmt.Errorf("delete stream %s: %w", id, err)
	}
	return nil
}

// List implements Store.List with a filtered scan. Fine for the number of
// concurrently broadcasting sellers; a kind index would replace it at scale.
func (s *DynamoDBStore) List(ctx context.Context) ([]StreamID, error) {
	var ids []StreamID
	var decodeErr error
	err := s.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(s.tableName),
		FilterExpression:         aws.String("#k = :k"),
		ProjectionExpression:     aws.String("id"),
		ExpressionAttributeNames: map[string]*string{"#k": aws.String(dynamoKindAttr)},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":k": {S: aws.String(dynamoKindStream)},
		},
	}, func(page *dynamodb.ScanOutput, _ bool) bool {
		for _, item := range page.Items {
			var row struct {
				ID StreamID `dynamodbav:"id"`
			}
			if err := dynamodbattribute.UnmarshalMap(item, &row); err != nil {
				decodeErr = err
				return false
			}
			ids = append(ids, row.ID)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode stream id: %w", decodeErr)
	}
	return ids, nil
}

// SetSellerStream implements Store.SetSellerStream.
func (s *DynamoDBStore) SetSellerStream(ctx context.Context, sellerID string, id StreamID) error {
	_, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr:  {S: aws.String(sellerPK(sellerID))},
			dynamoKindAttr: {S: aws.String(dynamoKindSeller)},
			"stream_id":    {S: aws.String(string(id))},
		},
	})
	if err != nil {
		return fmt.Errorf("set seller stream: %w", err)
	}
	return nil
}

// GetSellerStream implements Store.GetSellerStream.
func (s *DynamoDBStore) GetSellerStream(ctx context.Context, sellerID string) (StreamID, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr: {S: aws.String(sellerPK(sellerID))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("get seller stream: %w", err)
	}
	v, ok := out.Item["stream_id"]
	if !ok || v.S == nil {
		return "", ErrNotFound
	}
	return StreamID(*v.S), nil
}

// ClearSellerStream implements Store.ClearSellerStream.
func (s *DynamoDBStore) ClearSellerStream(ctx context.Context, sellerID string, id StreamID) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			dynamoKeyAttr: {S: aws.String(sellerPK(sellerID))},
		},
		ConditionExpression: aws.String("stream_id = :s"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":s": {S: aws.String(string(id))},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("clear seller stream: %w", err)
	}
	return nil
}
