package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/splatgo/blobstore"
)

// DDBClient is the subset of the DynamoDB API the pointer uses, split out
// so tests can substitute a fake.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// ErrStalePointer is returned when a commit loses to a newer checkpoint,
// e.g. when two resumed runs race on the same run ID.
var ErrStalePointer = errors.New("s3: checkpoint pointer already ahead")

// Pointer tracks the latest committed checkpoint of a run in DynamoDB.
// S3 offers no compare-and-swap, so the pointer provides the atomic
// "which checkpoint is current" answer a resuming run needs.
//
// Table schema: partition key run_id (string); attributes iteration
// (number) and name (string).
type Pointer struct {
	client DDBClient
	table  string
	runID  string
}

// NewPointer creates a checkpoint pointer for one run.
func NewPointer(client DDBClient, table, runID string) *Pointer {
	return &Pointer{client: client, table: table, runID: runID}
}

// Commit records name as the latest checkpoint, conditional on iteration
// not going backwards.
func (p *Pointer) Commit(ctx context.Context, name string, iteration uint64) error {
	_, err := p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]types.AttributeValue{
			"run_id":    &types.AttributeValueMemberS{Value: p.runID},
			"iteration": &types.AttributeValueMemberN{Value: strconv.FormatUint(iteration, 10)},
			"name":      &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("attribute_not_exists(iteration) OR iteration <= :it"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":it": &types.AttributeValueMemberN{Value: strconv.FormatUint(iteration, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrStalePointer
		}
		return fmt.Errorf("s3: commit checkpoint pointer: %w", err)
	}
	return nil
}

// Latest returns the most recently committed checkpoint name and
// iteration. blobstore.ErrNotFound when the run has no checkpoint yet.
func (p *Pointer) Latest(ctx context.Context) (string, uint64, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"run_id": &types.AttributeValueMemberS{Value: p.runID},
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("s3: read checkpoint pointer: %w", err)
	}
	if len(out.Item) == 0 {
		return "", 0, blobstore.ErrNotFound
	}

	name, ok := out.Item["name"].(*types.AttributeValueMemberS)
	if !ok {
		return "", 0, fmt.Errorf("s3: checkpoint pointer item missing name")
	}
	iterAttr, ok := out.Item["iteration"].(*types.AttributeValueMemberN)
	if !ok {
		return "", 0, fmt.Errorf("s3: checkpoint pointer item missing iteration")
	}
	iter, err := strconv.ParseUint(iterAttr.Value, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("s3: parse pointer iteration: %w", err)
	}

	return name.Value, iter, nil
}
