package providers

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCS archives artifacts to a Google Cloud Storage bucket using application
// default credentials.
type GCS struct {
	bucket string
	client *storage.Client
}

// NewGCS creates a GCS provider for bucket, resolving credentials through
// the default client (environment, metadata server, or gcloud config).
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("providers: new gcs client: %w", err)
	}
	return &GCS{bucket: bucket, client: client}, nil
}

func (g *GCS) Name() string { return "gcs" }

func (g *GCS) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("providers: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("providers: gcs close: %w", err)
	}
	return nil
}
