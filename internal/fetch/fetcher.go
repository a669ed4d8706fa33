// Package fetch stages source rasters to local files. It makes a single
// attempt per call; the orchestrator owns the retry policy and consults the
// failure class to decide whether another attempt is worthwhile.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/geotiler/mosaic/internal/catalog"
)

// Fetcher downloads one source item to a local file.
type Fetcher interface {
	// Fetch stages the item's raster at destPath, decompressing transparently.
	// The destination is written atomically: on error no partial file remains.
	Fetch(ctx context.Context, item catalog.SourceItem, destPath string) error
}

// Config configures the fetcher.
type Config struct {
	// AttemptTimeout bounds a single download attempt.
	AttemptTimeout time.Duration
}

type fetcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a fetcher handling http(s), s3, gs and file URLs.
func New(cfg Config) Fetcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Minute
	}
	return &fetcher{
		cfg: cfg,
		client: &http.Client{
			// Per-attempt deadline is applied via context; the client-level
			// timeout is a backstop.
			Timeout: cfg.AttemptTimeout + time.Minute,
		},
		logger: slog.Default().With("component", "fetch"),
	}
}

func (f *fetcher) Fetch(ctx context.Context, item catalog.SourceItem, destPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	u, err := url.Parse(item.URL)
	if err != nil {
		return fmt.Errorf("parse url %s: %v: %w", item.URL, err, ErrPermanent)
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		body, err = f.openHTTP(ctx, item.URL)
	case "s3", "gs", "file":
		body, err = f.openBlob(ctx, u)
	default:
		return fmt.Errorf("unsupported url scheme %q: %w", u.Scheme, ErrPermanent)
	}
	if err != nil {
		return err
	}
	defer body.Close()

	decoded, err := decodeReader(body)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrTransient)
	}
	defer decoded.Close()

	written, err := writeAtomic(destPath, decoded)
	if err != nil {
		return classifyIO(err)
	}
	if written == 0 {
		// A zero-byte raster means the transfer was cut off or the object is
		// still being written upstream; try again later.
		os.Remove(destPath)
		return fmt.Errorf("fetch %s: empty body: %w", item.URL, ErrTransient)
	}

	f.logger.Debug("staged source raster",
		"item", item.ID,
		"dest", destPath,
		"bytes", written)
	return nil
}

func (f *fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", rawURL, ErrPermanent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyIO(fmt.Errorf("fetch %s: %w", rawURL, err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, classifyStatus(rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// openBlob reads an object-store URL through a gocloud bucket. file:// URLs
// map to a fileblob bucket rooted at the object's directory.
func (f *fetcher) openBlob(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	var bucketURL, key string
	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		bucketURL = "file://" + filepath.ToSlash(filepath.Dir(p))
		key = filepath.Base(p)
	default:
		bucketURL = u.Scheme + "://" + u.Host
		key = strings.TrimPrefix(u.Path, "/")
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %v: %w", bucketURL, err, ErrTransient)
	}

	reader, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		bucket.Close()
		if gcerr := classifyBlob(err); gcerr != nil {
			return nil, fmt.Errorf("read %s/%s: %v: %w", bucketURL, key, err, gcerr)
		}
		return nil, fmt.Errorf("read %s/%s: %v: %w", bucketURL, key, err, ErrTransient)
	}

	return &blobReadCloser{reader: reader, bucket: bucket}, nil
}

// classifyBlob returns the failure class for a bucket read error, or nil when
// the default applies.
func classifyBlob(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound, gcerrors.PermissionDenied:
		return ErrPermanent
	}
	return nil
}

// classifyIO classifies transport-level errors. Timeouts, connection
// failures and short writes are all transient; context cancellation
// propagates untouched so the orchestrator can tell shutdown apart from
// failure.
func classifyIO(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%v: %w", err, ErrTransient)
}

// writeAtomic streams r to destPath via temp file + rename.
func writeAtomic(destPath string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("create staging directory: %w", err)
	}

	tempPath := destPath + ".partial"
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tempPath, err)
	}

	written, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("write %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("finalize %s: %w", destPath, err)
	}
	return written, nil
}

// blobReadCloser closes the bucket along with the reader.
type blobReadCloser struct {
	reader *blob.Reader
	bucket *blob.Bucket
}

func (b *blobReadCloser) Read(p []byte) (int, error) { return b.reader.Read(p) }

func (b *blobReadCloser) Close() error {
	rerr := b.reader.Close()
	berr := b.bucket.Close()
	if rerr != nil {
		return rerr
	}
	return berr
}

// StagingPath returns the local path an item's raster is staged at. Item IDs
// come from an external catalog and must not be able to address anything
// outside the staging directory.
func StagingPath(stagingDir, itemID string) string {
	return filepath.Join(stagingDir, SafeItemName(itemID)+".tif")
}

// SafeItemName flattens an item ID into a single path segment: path
// separators and other hostile characters become underscores, leading dots
// are stripped.
func SafeItemName(itemID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, itemID)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "item"
	}
	return name
}
