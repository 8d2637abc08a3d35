// Package s3store implements blob.Store on S3 or an S3 compatible endpoint such as MinIO.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultRegion = "us-east-1"

// Config holds construction parameters. Empty credentials fall back to the
// default AWS credential chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
	HTTPClient      s3.HTTPClient
}

// Store is a single-bucket blob.Store.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

var _ blob.Store = (*Store)(nil)

// New loads AWS configuration and builds the client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOptions := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(options *s3.Options) {
		options.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			options.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{client: client, presign: s3.NewPresignClient(client), bucket: cfg.Bucket}, nil
}

// Put uploads body unless the key already exists.
func (store *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) (blob.Info, error) {
	if key == "" {
		return blob.Info{}, blob.ErrInvalidKey
	}
	_, err := store.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(store.bucket), Key: aws.String(key)})
	if err == nil {
		return blob.Info{}, fmt.Errorf("%w: %s", blob.ErrExists, key)
	}
	if !isNotFound(err) {
		return blob.Info{}, fmt.Errorf("s3store: head %s: %w", key, err)
	}
	input := &s3.PutObjectInput{Bucket: aws.String(store.bucket), Key: aws.String(key), Body: body}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := store.client.PutObject(ctx, input); err != nil {
		return blob.Info{}, fmt.Errorf("s3store: put %s: %w", key, err)
	}
	head, err := store.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(store.bucket), Key: aws.String(key)})
	if err != nil {
		return blob.Info{}, fmt.Errorf("s3store: head %s: %w", key, err)
	}
	return blob.Info{Key: key, Size: aws.ToInt64(head.ContentLength), ContentType: aws.ToString(head.ContentType)}, nil
}

func (store *Store) Get(ctx context.Context, key string) (blob.Info, io.ReadCloser, error) {
	output, err := store.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(store.bucket), Key: aws.String(key)})
	if isNotFound(err) {
		return blob.Info{}, nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
	}
	if err != nil {
		return blob.Info{}, nil, fmt.Errorf("s3store: get %s: %w", key, err)
	}
	info := blob.Info{Key: key, Size: aws.ToInt64(output.ContentLength), ContentType: aws.ToString(output.ContentType)}
	return info, output.Body, nil
}

func (store *Store) Delete(ctx context.Context, key string) error {
	_, err := store.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(store.bucket), Key: aws.String(key)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3store: delete %s: %w", key, err)
	}
	return nil
}

// PresignURL returns a time-limited GET URL.
func (store *Store) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	request, err := store.presign.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: aws.String(store.bucket), Key: aws.String(key)},
		func(options *s3.PresignOptions) { options.Expires = blob.PresignExpiry(expiry) },
	)
	if err != nil {
		return "", fmt.Errorf("s3store: presign %s: %w", key, err)
	}
	return request.URL, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
