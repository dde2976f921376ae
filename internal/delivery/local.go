package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalDestination copies the archive into a directory on the local
// filesystem, creating it if needed.
type LocalDestination struct {
	dir string
}

// NewLocalDestination creates a LocalDestination for the given directory.
func NewLocalDestination(dir string) *LocalDestination {
	return &LocalDestination{dir: dir}
}

func (d *LocalDestination) Name() string {
	return "local"
}

func (d *LocalDestination) Deliver(ctx context.Context, archivePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory %s: %w", d.dir, err)
	}

	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	// Copy through a temp file so a same-named previous archive is replaced
	// atomically instead of being truncated mid-write.
	target := filepath.Join(d.dir, filepath.Base(archivePath))
	tmp, err := os.CreateTemp(d.dir, ".volume-backup-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("copy archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename archive into place: %w", err)
	}
	return nil
}
