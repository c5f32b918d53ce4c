package providers

import (
	"bytes"
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 archives artifacts to an S3-compatible bucket using the default AWS
// credential chain (environment, shared config, or instance role).
type S3 struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3 creates an S3 provider for bucket in the given region. The AWS SDK
// config is loaded here, via the default credential chain.
func NewS3(ctx context.Context, bucket, region string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("providers: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3{bucket: bucket, uploader: manager.NewUploader(client)}, nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("providers: s3 upload: %w", err)
	}
	return nil
}
