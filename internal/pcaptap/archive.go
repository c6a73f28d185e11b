package pcaptap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/google/uuid"
)

// ArchiveUploader pushes a completed capture file to blob storage, adapted
// from an upload helper that used to stash bootstrap handshake blobs
// instead of finished PCAP files. Uploads are best-effort: a capture that
// can't be archived is still logged and discarded, it never blocks the
// session it was recording.
type ArchiveUploader struct {
	container *container.Client
	timeout   time.Duration
}

// NewArchiveUploader wraps an already-resolved container client.
func NewArchiveUploader(c *container.Client) *ArchiveUploader {
	return &ArchiveUploader{container: c, timeout: 60 * time.Second}
}

// Upload stores capture, named after sessionID, as a block blob. It
// returns the error so the caller can log it; it never panics or retries.
func (u *ArchiveUploader) Upload(sessionID uuid.UUID, capture []byte) error {
	if u.container == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	name := fmt.Sprintf("%s.pcap", sessionID)
	_, err := u.container.NewBlockBlobClient(name).Upload(
		ctx,
		streaming.NopCloser(bytes.NewReader(capture)),
		&blockblob.UploadOptions{},
	)
	return err
}
