package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// blobPublisher uploads through a gocloud bucket. Bucket writers only commit
// an object on Close, so a failed upload leaves nothing behind.
type blobPublisher struct {
	bucketURL string
	prefix    string
	logger    *slog.Logger
}

func newBlobPublisher(cfg Config) (*blobPublisher, error) {
	var bucketURL string
	switch cfg.Backend {
	case "s3":
		q := url.Values{}
		if cfg.S3Region != "" {
			q.Set("region", cfg.S3Region)
		}
		if cfg.S3Endpoint != "" {
			q.Set("endpoint", cfg.S3Endpoint)
			q.Set("s3ForcePathStyle", "true")
		}
		bucketURL = "s3://" + cfg.Bucket
		if enc := q.Encode(); enc != "" {
			bucketURL += "?" + enc
		}
	case "gcs":
		bucketURL = "gs://" + cfg.Bucket
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackend, cfg.Backend)
	}

	return &blobPublisher{
		bucketURL: bucketURL,
		prefix:    cfg.Prefix,
		logger: slog.Default().With(
			"component", "publish",
			"backend", cfg.Backend,
			"bucket", cfg.Bucket),
	}, nil
}

func (p *blobPublisher) Publish(ctx context.Context, archivePath string, manifest Manifest) error {
	sum, size, err := digestFile(archivePath)
	if err != nil {
		return err
	}
	manifest.Producer = Producer
	manifest.ArchiveName = filepath.Base(archivePath)
	manifest.ArchiveSHA256 = sum
	manifest.ArchiveBytes = size

	bucket, err := blob.OpenBucket(ctx, p.bucketURL)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", p.bucketURL, err)
	}
	defer bucket.Close()

	archiveKey := path.Join(p.prefix, manifest.ArchiveName)
	if err := p.uploadFile(ctx, bucket, archiveKey, archivePath); err != nil {
		return err
	}

	manifestData, err := encodeManifest(manifest)
	if err != nil {
		return err
	}
	manifestKey := archiveKey + ".manifest.json"
	if err := bucket.WriteAll(ctx, manifestKey, manifestData, nil); err != nil {
		return fmt.Errorf("write manifest %s: %w", manifestKey, err)
	}

	p.logger.Info("published archive",
		"key", archiveKey,
		"bytes", size,
		"sha256", sum)
	return nil
}

func (p *blobPublisher) uploadFile(ctx context.Context, bucket *blob.Bucket, key, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("open writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}
