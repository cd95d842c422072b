package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/letter-vault/internal/config"
	"github.com/kenneth/letter-vault/internal/store"
)

const (
	documentSuffix = ".json"
	listPageSize   = 1000
)

// API is the subset of the S3 client used by Backend.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend stores documents as JSON objects at
// <prefix><collection>/<id>.json. Object ETags are used as revisions.
type Backend struct {
	api    API
	bucket string
	prefix string
}

// NewClient creates an S3 client from the storage configuration. Static
// credentials are used when set, otherwise the default AWS chain applies.
func NewClient(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for S3-compatible services
	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

// NewBackend creates a document backend over api.
func NewBackend(api API, bucket, prefix string) *Backend {
	return &Backend{api: api, bucket: bucket, prefix: prefix}
}

func (b *Backend) objectKey(collection, id string) string {
	return b.collectionPrefix(collection) + id + documentSuffix
}

func (b *Backend) collectionPrefix(collection string) string {
	return b.prefix + collection + "/"
}

// Ping checks that the bucket is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Get fetches and decodes a document.
func (b *Backend) Get(ctx context.Context, collection, id string) (*store.Document, error) {
	key := b.objectKey(collection, id)
	result, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", b.bucket, key, err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", b.bucket, key, err)
	}

	var doc store.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", b.bucket, key, err)
	}
	doc.Revision = aws.ToString(result.ETag)
	return &doc, nil
}

// Put encodes and uploads a document. A document carrying a Revision is
// written with If-Match so a concurrent change fails with store.ErrConflict.
func (b *Backend) Put(ctx context.Context, collection string, doc *store.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	key := b.objectKey(collection, doc.ID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if doc.Revision != "" {
		input.IfMatch = aws.String(doc.Revision)
	}

	result, err := b.api.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) || (doc.Revision != "" && isNotFound(err)) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to put object %s/%s: %w", b.bucket, key, err)
	}
	doc.Revision = aws.ToString(result.ETag)
	return nil
}

// Delete removes a document. S3 deletes are idempotent, so existence is
// checked first to report store.ErrNotFound.
func (b *Backend) Delete(ctx context.Context, collection, id string) error {
	key := b.objectKey(collection, id)
	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to head object %s/%s: %w", b.bucket, key, err)
	}

	_, err = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// List pages through the collection and fetches every document whose id
// starts with prefix. Objects deleted between listing and fetching are skipped.
func (b *Backend) List(ctx context.Context, collection, prefix string) ([]*store.Document, error) {
	base := b.collectionPrefix(collection)
	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(base + prefix),
	}, func(o *s3.ListObjectsV2PaginatorOptions) {
		o.Limit = listPageSize
	})

	docs := make([]*store.Document, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, documentSuffix) {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, base), documentSuffix)
			doc, err := b.Get(ctx, collection, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
