// Package storage holds proof photos in an S3-compatible bucket (Cloudflare
// R2 in production). Tasks only ever reference objects by key; the dashboard
// fetches a short-lived presigned URL when a verifier reviews a submission.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dutyline/internal/config"
)

type ProofStore struct {
	client       *s3.Client
	bucket       string
	presignValid time.Duration
}

// New builds a proof store from dutyline.yml storage settings. Credentials
// come from the environment so they never land in the config file.
func New(ctx context.Context, cfg *config.Config) (*ProofStore, error) {
	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("storage.bucket is not configured")
	}
	accessKey := os.Getenv("DUTYLINE_S3_ACCESS_KEY_ID")
	secretKey := os.Getenv("DUTYLINE_S3_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("DUTYLINE_S3_ACCESS_KEY_ID and DUTYLINE_S3_SECRET_ACCESS_KEY must be set")
	}
	region := cfg.Storage.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
		}
	})
	valid := time.Duration(cfg.Storage.PresignValidMin) * time.Minute
	if valid <= 0 {
		valid = 15 * time.Minute
	}
	return &ProofStore{client: client, bucket: cfg.Storage.Bucket, presignValid: valid}, nil
}

func (p *ProofStore) Upload(ctx context.Context, key string, body io.Reader) error {
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a presigned GET URL for a proof object.
func (p *ProofStore) SignedURL(ctx context.Context, key string) (string, error) {
	presigner := s3.NewPresignClient(p.client)
	out, err := presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		},
		func(po *s3.PresignOptions) {
			po.Expires = p.presignValid
		},
	)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return out.URL, nil
}

func (p *ProofStore) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
