package sink

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/transfer"
	"gocloud.dev/blob"
)

// Bucket stores artifacts in a gocloud.dev blob bucket under
// <category>/<folder>/<name>. Object metadata carries the display name and
// category; existing keys get a "name (n).ext" key instead.
type Bucket struct {
	bucket *blob.Bucket
	folder string
}

// OpenBucket opens a bucket from a URL such as file:///data, mem://, s3://b
// or gs://b. The matching driver must be linked into the binary.
func OpenBucket(ctx context.Context, url, folder string) (*Bucket, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", url, err)
	}

	return NewBucket(b, folder), nil
}

func NewBucket(b *blob.Bucket, folder string) *Bucket {
	return &Bucket{bucket: b, folder: folder}
}

func (b *Bucket) Key(name string, category transfer.Category) string {
	return path.Join(string(category), b.folder, name)
}

func (b *Bucket) Open(ctx context.Context, name, mimeType string, category transfer.Category) (io.WriteCloser, error) {
	for attempt := 0; attempt < maxCollisions; attempt++ {
		key := b.Key(candidateName(name, attempt), category)

		exists, err := b.bucket.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to check object %s: %w", key, err)
		}

		if exists {
			continue
		}

		w, err := b.bucket.NewWriter(ctx, key, &blob.WriterOptions{
			ContentType: mimeType,
			Metadata: map[string]string{
				"display-name": name,
				"category":     string(category),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create object writer: %w", err)
		}

		logctx.LoggerFromContext(ctx).Debug("created destination object", "key", key, "mime_type", mimeType)

		return w, nil
	}

	return nil, fmt.Errorf("failed to create object: %d objects named like %q already exist", maxCollisions, name)
}

// Close releases the underlying bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}
