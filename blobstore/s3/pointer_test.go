package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/splatgo/blobstore"
)

// fakeDDB keeps one item per run and enforces the conditional expression
// the pointer relies on.
type fakeDDB struct {
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}

	runID := in.Item["run_id"].(*types.AttributeValueMemberS).Value
	if existing, ok := f.items[runID]; ok {
		oldIter := existing["iteration"].(*types.AttributeValueMemberN).Value
		newIter := in.ExpressionAttributeValues[":it"].(*types.AttributeValueMemberN).Value
		if len(oldIter) > len(newIter) || (len(oldIter) == len(newIter) && oldIter > newIter) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[runID] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	runID := in.Key["run_id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[runID]}, nil
}

func TestPointer(t *testing.T) {
	ctx := context.Background()

	t.Run("CommitAndLatest", func(t *testing.T) {
		p := NewPointer(newFakeDDB(), "splat-checkpoints", "garden-42")

		require.NoError(t, p.Commit(ctx, "chkpnt7000.bin", 7000))
		require.NoError(t, p.Commit(ctx, "chkpnt30000.bin", 30000))

		name, iter, err := p.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, "chkpnt30000.bin", name)
		assert.Equal(t, uint64(30000), iter)
	})

	t.Run("CommitNeverGoesBackwards", func(t *testing.T) {
		p := NewPointer(newFakeDDB(), "splat-checkpoints", "garden-42")

		require.NoError(t, p.Commit(ctx, "chkpnt7000.bin", 7000))
		err := p.Commit(ctx, "chkpnt100.bin", 100)
		assert.ErrorIs(t, err, ErrStalePointer)

		name, _, err := p.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, "chkpnt7000.bin", name)
	})

	t.Run("LatestOnFreshRun", func(t *testing.T) {
		p := NewPointer(newFakeDDB(), "splat-checkpoints", "fresh")
		_, _, err := p.Latest(ctx)
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("TransportErrorsPropagate", func(t *testing.T) {
		ddb := newFakeDDB()
		ddb.err = errors.New("throttled")
		p := NewPointer(ddb, "splat-checkpoints", "garden-42")

		assert.Error(t, p.Commit(ctx, "x", 1))
		_, _, err := p.Latest(ctx)
		assert.Error(t, err)
	})
}
