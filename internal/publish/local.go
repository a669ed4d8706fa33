package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// localPublisher copies artifacts into a directory, staging under temp names
// and renaming into place so readers never observe partial files.
type localPublisher struct {
	dir    string
	prefix string
	logger *slog.Logger
}

func newLocalPublisher(dir, prefix string) *localPublisher {
	return &localPublisher{
		dir:    dir,
		prefix: prefix,
		logger: slog.Default().With("component", "publish", "backend", "local"),
	}
}

func (p *localPublisher) Publish(ctx context.Context, archivePath string, manifest Manifest) error {
	sum, size, err := digestFile(archivePath)
	if err != nil {
		return err
	}
	manifest.Producer = Producer
	manifest.ArchiveName = filepath.Base(archivePath)
	manifest.ArchiveSHA256 = sum
	manifest.ArchiveBytes = size

	destDir := filepath.Join(p.dir, p.prefix)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("create publish directory: %w", err)
	}

	archiveDest := filepath.Join(destDir, manifest.ArchiveName)
	if err := copyAtomic(archivePath, archiveDest); err != nil {
		return err
	}

	manifestData, err := encodeManifest(manifest)
	if err != nil {
		// Leave no orphaned archive without its manifest.
		os.Remove(archiveDest)
		return err
	}
	manifestDest := archiveDest + ".manifest.json"
	if err := writeAtomic(manifestDest, manifestData); err != nil {
		os.Remove(archiveDest)
		return err
	}

	p.logger.Info("published archive",
		"archive", archiveDest,
		"bytes", size,
		"sha256", sum)
	return nil
}

func copyAtomic(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tempPath := dest + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("copy to %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return nil
}

func writeAtomic(dest string, data []byte) error {
	tempPath := dest + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return nil
}
