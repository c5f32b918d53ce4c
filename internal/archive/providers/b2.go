package providers

import (
	"context"
	"fmt"

	"github.com/Backblaze/blazer/b2"
)

// B2 archives artifacts to a Backblaze B2 bucket.
type B2 struct {
	bucket *b2.Bucket
}

// NewB2 authenticates against Backblaze B2 and opens bucketName.
func NewB2(ctx context.Context, keyID, appKey, bucketName string) (*B2, error) {
	client, err := b2.NewClient(ctx, keyID, appKey)
	if err != nil {
		return nil, fmt.Errorf("providers: b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("providers: b2 open bucket %q: %w", bucketName, err)
	}
	return &B2{bucket: bucket}, nil
}

func (b *B2) Name() string { return "b2" }

func (b *B2) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("providers: b2 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("providers: b2 close: %w", err)
	}
	return nil
}
