package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// localEnumerator enumerates rasters already on disk, for air-gapped runs and
// tests. Item IDs are the file names without extension.
type localEnumerator struct {
	dir    string
	logger *slog.Logger
}

func newLocalEnumerator(dir string) *localEnumerator {
	return &localEnumerator{
		dir:    dir,
		logger: slog.Default().With("component", "catalog", "mode", "local"),
	}
}

// Enumerate walks the directory and streams every raster in lexical path
// order. The region polygon is ignored: local mode trusts the operator to
// have staged only relevant imagery.
func (e *localEnumerator) Enumerate(ctx context.Context, region Region) (<-chan SourceItem, <-chan error) {
	itemCh := make(chan SourceItem)
	errCh := make(chan error, 1)

	go func() {
		defer close(itemCh)
		defer close(errCh)

		var paths []string
		err := filepath.WalkDir(e.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if isRasterFile(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			errCh <- fmt.Errorf("walk %s: %w", e.dir, err)
			return
		}
		sort.Strings(paths)

		e.logger.Info("local catalog scan complete",
			"region", region.Name,
			"dir", e.dir,
			"items", len(paths))

		for _, path := range paths {
			info, err := os.Stat(path)
			if err != nil {
				errCh <- fmt.Errorf("stat %s: %w", path, err)
				return
			}

			item := SourceItem{
				ID:         itemID(path),
				URL:        "file://" + path,
				AcquiredAt: info.ModTime().UTC(),
			}

			select {
			case itemCh <- item:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return itemCh, errCh
}

// isRasterFile reports whether the path looks like a source raster, possibly
// compressed.
func isRasterFile(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, suffix := range []string{".tif", ".tiff", ".tif.zst", ".tif.gz", ".tiff.zst", ".tiff.gz"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// itemID derives a stable item ID from the file name, stripping raster and
// compression extensions.
func itemID(path string) string {
	name := filepath.Base(path)
	for _, suffix := range []string{".zst", ".gz", ".tif", ".tiff"} {
		name = strings.TrimSuffix(name, suffix)
	}
	return name
}
