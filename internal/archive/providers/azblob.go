package providers

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureBlob archives artifacts to an Azure Blob Storage container using the
// default Azure credential chain.
type AzureBlob struct {
	container string
	client    *azblob.Client
}

// NewAzureBlob creates an AzureBlob provider for the given storage account
// and container.
func NewAzureBlob(accountURL, container string) (*AzureBlob, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("providers: azure default credential: %w", err)
	}
	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("providers: new azblob client: %w", err)
	}
	return &AzureBlob{container: container, client: client}, nil
}

func (a *AzureBlob) Name() string { return "azblob" }

func (a *AzureBlob) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.UploadBuffer(ctx, a.container, key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("providers: azblob upload: %w", err)
	}
	return nil
}
