package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gift-battle-engine/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of the S3 client the uploader needs
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type ArchiveConfig struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// Endpoint overrides the R2 endpoint derived from AccountID
	Endpoint string
	Prefix   string
}

// ArchiveUploader writes archived match summaries to an S3 compatible bucket
// as matches/<yyyy>/<mm>/<match id>.json.
type ArchiveUploader struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewArchiveUploader(ctx context.Context, cfg ArchiveConfig) (*ArchiveUploader, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive bucket config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return NewArchiveUploaderWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewArchiveUploaderWithClient(client ObjectPutter, bucket, prefix string) *ArchiveUploader {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ArchiveUploader{client: client, bucket: bucket, prefix: prefix}
}

// ArchiveKey is the object key of an archive
func (u *ArchiveUploader) ArchiveKey(a models.MatchArchive) string {
	at := a.StartedAt
	if a.EndedAt != nil {
		at = *a.EndedAt
	}
	return fmt.Sprintf("%s%s/%s.json", u.prefix, at.UTC().Format("2006/01"), a.MatchID)
}

func (u *ArchiveUploader) UploadArchive(ctx context.Context, a models.MatchArchive) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode archive %s: %w", a.MatchID, err)
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(u.ArchiveKey(a)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive %s: %w", a.MatchID, err)
	}
	return nil
}
