package livestream

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// fakeDynamo is an in-memory DynamoDB covering the calls and condition
// expressions DynamoDBStore issues.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	mu          sync.Mutex
	items       map[string]map[string]*dynamodb.AttributeValue
	tableExists bool
	created     int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		items:       make(map[string]map[string]*dynamodb.AttributeValue),
		tableExists: true,
	}
}

func conditionFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
}

func attrString(v *dynamodb.AttributeValue) string {
	if v == nil {
		return ""
	}
	if v.S != nil {
		return *v.S
	}
	if v.N != nil {
		return *v.N
	}
	return ""
}

func (f *fakeDynamo) check(existing map[string]*dynamodb.AttributeValue, cond *string, values map[string]*dynamodb.AttributeValue) error {
	if cond == nil {
		return nil
	}
	switch *cond {
	case "attribute_not_exists(pk)":
		if existing != nil {
			return conditionFailed()
		}
	case "#v = :v":
		if existing == nil || attrString(existing["version"]) != attrString(values[":v"]) {
			return conditionFailed()
		}
	case "stream_id = :s":
		if existing == nil || attrString(existing["stream_id"]) != attrString(values[":s"]) {
			return conditionFailed()
		}
	default:
		panic("fakeDynamo: unsupported condition " + *cond)
	}
	return nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[attrString(in.Key["pk"])]}, nil
}

func (f *fakeDynamo) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := attrString(in.Item["pk"])
	if err := f.check(f.items[pk], in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItemWithContext(_ aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := attrString(in.Key["pk"])
	if err := f.check(f.items[pk], in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(f.items, pk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) ScanPagesWithContext(_ aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var page dynamodb.ScanOutput
	want := attrString(in.ExpressionAttributeValues[":k"])
	for _, item := range f.items {
		if attrString(item["kind"]) == want {
			page.Items = append(page.Items, item)
		}
	}
	f.mu.Unlock()
	fn(&page, true)
	return nil
}

func (f *fakeDynamo) DescribeTableWithContext(_ aws.Context, in *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tableExists {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table not found", nil)
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamodb.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeDynamo) CreateTableWithContext(_ aws.Context, in *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.tableExists = true
	return &dynamodb.CreateTableOutput{TableDescription: &dynamodb.TableDescription{TableName: in.TableName}}, nil
}

func (f *fakeDynamo) WaitUntilTableExistsWithContext(_ aws.Context, _ *dynamodb.DescribeTableInput, _ ...request.WaiterOption) error {
	return nil
}
