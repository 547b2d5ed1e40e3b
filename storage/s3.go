package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store stores objects in one bucket under an optional key prefix. When
// publicBaseURL is set (CDN or public bucket endpoint) URL uses it;
// otherwise URL falls back to the virtual-hosted bucket address.
type S3Store struct {
	client      *s3.Client
	presigner   *s3.PresignClient
	bucket      string
	keyPrefix   string
	publicURL   string
	internalURL string
}

// S3Option configures an S3Store.
type S3Option func(*S3Store)

// WithS3InternalBaseURL sets a bucket endpoint reachable from the private
// worker network (a VPC endpoint or an in-cluster MinIO address) for
// InternalURL.
func WithS3InternalBaseURL(base string) S3Option {
	return func(s *S3Store) {
		if base != "" {
			s.internalURL = strings.TrimRight(base, "/")
		}
	}
}

// NewS3Store wraps an already-configured client.
func NewS3Store(client *s3.Client, bucket, keyPrefix, publicBaseURL string, opts ...S3Option) *S3Store {
	s := &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		keyPrefix: strings.Trim(keyPrefix, "/"),
		publicURL: strings.TrimRight(publicBaseURL, "/"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *S3Store) fullKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + "/" + key
}

func (s *S3Store) Save(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (s *S3Store) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	return err
}

// DeletePrefix pages through the prefix and issues batch deletes. Missing
// objects are not an error.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix) + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %q: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete under %q: %w", prefix, err)
		}
	}
	return nil
}

func (s *S3Store) URL(key string) string {
	full := s.fullKey(key)
	if s.publicURL != "" {
		return s.publicURL + "/" + full
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, full)
}

func (s *S3Store) InternalURL(key string) string {
	if s.internalURL == "" {
		return s.URL(key)
	}
	return s.internalURL + "/" + s.fullKey(key)
}

// PresignPut mints a direct-upload URL so clients push large source files
// straight to the bucket.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
