// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Options configures the snapshot archive bucket.
type R2Options struct {
	AccountID string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// R2Archiver writes leaderboard snapshots to an R2 (S3 compatible) bucket.
type R2Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewR2Archiver(ctx context.Context, opts R2Options) (*R2Archiver, error) {
	if opts.AccountID == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("r2 account id and bucket are required")
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey, opts.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &R2Archiver{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

// Key joins the configured prefix and name.
func (a *R2Archiver) Key(name string) string {
	name = strings.TrimLeft(name, "/")
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// PutJSON uploads body under prefix/name and returns the object key.
func (a *R2Archiver) PutJSON(ctx context.Context, name string, body []byte) (string, error) {
	key := a.Key(name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return key, nil
}
