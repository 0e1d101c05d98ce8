package storage

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hxrts/aura/interfaces"
)

// S3Backend stores records in Amazon S3 or a compatible object store. Keys
// map to object keys under a configured prefix, with colons replaced by
// slashes so prefix listing maps onto S3 prefix queries.
type S3Backend struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Backend creates an S3 backend. Empty credentials fall back to the
// SDK default chain (environment, instance profile).
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	cfg := aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}
	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &S3Backend{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		log:        log,
	}, nil
}

func (b *S3Backend) objectKey(key string) string {
	return path.Join(b.prefix, strings.ReplaceAll(key, ":", "/"))
}

func (b *S3Backend) recordKey(objectKey string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(objectKey, b.prefix), "/")
	return strings.ReplaceAll(trimmed, "/", ":")
}

func (b *S3Backend) Store(ctx context.Context, key string, value []byte) error {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "s3 put", err)
	}
	return nil
}

func (b *S3Backend) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, false, nil
		}
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "s3 get", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, interfaces.Wrap(interfaces.KindStorageFailure, "s3 read body", err)
	}
	return data, true, nil
}

func (b *S3Backend) Remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return interfaces.Wrap(interfaces.KindStorageFailure, "s3 delete", err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(b.objectKey(prefix)),
	}
	err := b.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, b.recordKey(aws.StringValue(obj.Key)))
		}
		return true
	})
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindStorageFailure, "s3 list", err)
	}
	return keys, nil
}

// Name identifies this backend in logs.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}
