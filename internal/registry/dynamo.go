package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"

	"lambda-live-bridge/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client used by Dynamo.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const (
	dynamoKeyAttr     = "pk"
	dynamoIDAttr      = "connectionId"
	dynamoRoleAttr    = "role"
	dynamoRegAttr     = "registeredAt"
	dynamoExpiresAttr = "expiresAt"
	dynamoClientKey   = "client"
)

// Dynamo is a Registry backed by a DynamoDB table with a string partition
// key named "pk". Reads are strongly consistent.
type Dynamo struct {
	api   DynamoAPI
	table string
	now   func() time.Time
}

// NewDynamo returns a Dynamo registry on table.
func NewDynamo(api DynamoAPI, table string) *Dynamo {
	return &Dynamo{api: api, table: table, now: time.Now}
}

// DialDynamo builds a traced DynamoDB client from the default AWS config.
func DialDynamo(ctx context.Context, table string) (*Dynamo, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	awsv2.AWSV2Instrumentor(&cfg.APIOptions)
	return NewDynamo(dynamodb.NewFromConfig(cfg), table), nil
}

func stubPartition(id string) string { return "stub#" + id }

func (d *Dynamo) Put(ctx context.Context, c models.Connection) error {
	if err := validate(c); err != nil {
		return err
	}
	pk := dynamoClientKey
	item := map[string]types.AttributeValue{
		dynamoIDAttr:   &types.AttributeValueMemberS{Value: c.ID},
		dynamoRoleAttr: &types.AttributeValueMemberS{Value: string(c.Role)},
		dynamoRegAttr:  &types.AttributeValueMemberN{Value: strconv.FormatInt(c.RegisteredAt.UnixMilli(), 10)},
	}
	if c.Role == models.RoleStub {
		pk = stubPartition(c.ID)
		expires := d.now().Add(StubTTL).Unix()
		item[dynamoExpiresAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
	}
	item[dynamoKeyAttr] = &types.AttributeValueMemberS{Value: pk}

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamo put %s: %w", pk, err)
	}
	return nil
}

func (d *Dynamo) Get(ctx context.Context, role models.Role) (*models.Connection, error) {
	if err := checkGetRole(role); err != nil {
		return nil, err
	}
	return d.getItem(ctx, dynamoClientKey)
}

func (d *Dynamo) Lookup(ctx context.Context, id string) (*models.Connection, error) {
	c, err := d.getItem(ctx, stubPartition(id))
	if err != nil || c != nil {
		return c, err
	}
	client, err := d.getItem(ctx, dynamoClientKey)
	if err != nil {
		return nil, err
	}
	if client != nil && client.ID == id {
		return client, nil
	}
	return nil, nil
}

func (d *Dynamo) Remove(ctx context.Context, id string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 partitionKey(dynamoClientKey),
		ConditionExpression: aws.String("#id = :id"),
		ExpressionAttributeNames: map[string]string{
			"#id": dynamoIDAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: id},
		},
	})
	var conditionFailed *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &conditionFailed) {
		return fmt.Errorf("dynamo remove client %s: %w", id, err)
	}
	if _, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       partitionKey(stubPartition(id)),
	}); err != nil {
		return fmt.Errorf("dynamo remove stub %s: %w", id, err)
	}
	return nil
}

func (d *Dynamo) getItem(ctx context.Context, pk string) (*models.Connection, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            partitionKey(pk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo get %s: %w", pk, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodeDynamoItem(out.Item)
}

func partitionKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttr: &types.AttributeValueMemberS{Value: pk},
	}
}

func decodeDynamoItem(item map[string]types.AttributeValue) (*models.Connection, error) {
	id, ok := item[dynamoIDAttr].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("dynamo item missing %s", dynamoIDAttr)
	}
	c := &models.Connection{ID: id.Value, Role: models.RoleClient}
	if role, ok := item[dynamoRoleAttr].(*types.AttributeValueMemberS); ok {
		c.Role = models.Role(role.Value)
	}
	if reg, ok := item[dynamoRegAttr].(*types.AttributeValueMemberN); ok {
		ms, err := strconv.ParseInt(reg.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dynamo item bad %s %q: %w", dynamoRegAttr, reg.Value, err)
		}
		c.RegisteredAt = time.UnixMilli(ms)
	}
	return c, nil
}
