package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"boxd/internal/box"
	"boxd/internal/config"
)

// S3Store is an S3-backed implementation of the BlockStore interface.
// Locators map to object keys under an optional key prefix. Overwrite
// semantics come directly from S3's PutObject.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// NewS3Store creates an S3 block store with an existing client.
func NewS3Store(client *s3.Client, bucket, keyPrefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, keyPrefix: keyPrefix}
}

// NewS3StoreFromConfig creates an S3 block store by building an S3 client
// from the block-store configuration.
func NewS3StoreFromConfig(ctx context.Context, cfg config.BlockStoreConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// S3-compatible services generally need path-style addressing.
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return NewS3Store(client, cfg.S3Bucket, cfg.S3KeyPrefix), nil
}

func (s *S3Store) key(locator string) string {
	return s.keyPrefix + locator
}

// Get retrieves the object stored under locator.
func (s *S3Store) Get(ctx context.Context, locator string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(locator)),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if isNotFound(err) {
			return nil, fmt.Errorf("object %q: %w", locator, box.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get %q: %v: %w", locator, err, box.ErrTransportFault)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("s3 read %q: %v: %w", locator, err, box.ErrTransportFault)
	}
	return data, nil
}

// Put stores data under locator, replacing any previous object.
func (s *S3Store) Put(ctx context.Context, locator string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(locator)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("s3 put %q: %v: %w", locator, err, box.ErrTransportFault)
	}
	return nil
}

// Delete removes the object under locator. S3 deletes are idempotent, so a
// missing object is not an error.
func (s *S3Store) Delete(ctx context.Context, locator string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(locator)),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("s3 delete %q: %v: %w", locator, err, box.ErrTransportFault)
	}
	return nil
}

// List returns the locators of all objects under the given prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var locators []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("s3 list %q: %v: %w", prefix, err, box.ErrTransportFault)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			locators = append(locators, key[len(s.keyPrefix):])
		}
	}
	return locators, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// Compile-time check that S3Store implements box.BlockStore.
var _ box.BlockStore = (*S3Store)(nil)
