package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/embedix/blobstore"
)

// currentName is the logical blob that holds the name of the latest
// committed snapshot.
const currentName = "CURRENT"

// ErrConcurrentModification is returned when another writer committed a
// version concurrently.
var ErrConcurrentModification = errors.New("s3: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API used by CommitStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore wraps Store with a DynamoDB commit pointer. S3 lacks
// compare-and-swap, so the "which snapshot is current" pointer lives in
// a DynamoDB item updated with a conditional write. Snapshot data blobs
// go straight to S3; only the CURRENT pointer is special.
//
// Table schema: partition key base_uri (S), sort key version (N).
type CommitStore struct {
	inner     *Store
	ddb       DDBClient
	tableName string
	baseURI   string
}

var _ blobstore.BlobStore = (*CommitStore)(nil)

// NewCommitStore creates a commit store over an existing S3 store.
// baseURI (e.g. "s3://bucket/prefix") is the partition key value.
func NewCommitStore(inner *Store, ddb DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{inner: inner, ddb: ddb, tableName: tableName, baseURI: baseURI}
}

// Open reads a blob; CURRENT resolves through DynamoDB.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != currentName {
		return s.inner.Open(ctx, name)
	}
	_, target, err := s.latestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, blobstore.ErrNotFound
	}
	return &pointerBlob{content: []byte(target)}, nil
}

// Put writes a blob; CURRENT commits a new version via conditional write.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != currentName {
		return s.inner.Put(ctx, name, data)
	}
	version, _, err := s.latestVersion(ctx)
	if err != nil {
		return err
	}
	next := version + 1

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"base_uri": &ddbtypes.AttributeValueMemberS{Value: s.baseURI},
			"version":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"target":   &ddbtypes.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cce *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: commit version: %w", err)
	}
	return nil
}

// Delete removes a data blob. The commit history is never deleted here.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	if name == currentName {
		return fmt.Errorf("s3: refusing to delete the commit pointer")
	}
	return s.inner.Delete(ctx, name)
}

// List lists data blobs.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func (s *CommitStore) latestVersion(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":uri": &ddbtypes.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	verAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: malformed commit item: missing version")
	}
	version, err := strconv.ParseUint(verAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: malformed commit version: %w", err)
	}
	var target string
	if t, ok := item["target"].(*ddbtypes.AttributeValueMemberS); ok {
		target = t.Value
	}
	return version, target, nil
}

// pointerBlob serves the resolved CURRENT content from memory.
type pointerBlob struct {
	content []byte
}

func (b *pointerBlob) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b.content)) {
		return 0, errNotFound(off)
	}
	n := copy(p, b.content[off:])
	return n, nil
}

func (b *pointerBlob) Close() error { return nil }

func (b *pointerBlob) Size() int64 { return int64(len(b.content)) }

func (b *pointerBlob) Bytes() ([]byte, error) { return b.content, nil }

func errNotFound(off int64) error {
	return fmt.Errorf("s3: read past end of pointer blob at offset %d", off)
}
