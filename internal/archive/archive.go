package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"
)

// ErrNoSources is returned when none of the configured source paths exist.
// Individual missing sources are tolerated; an empty backup is not.
var ErrNoSources = errors.New("no usable source path")

// Result describes a finished archive.
type Result struct {
	Path      string
	SizeBytes int64
	BytesRead int64
	Elapsed   time.Duration
}

// Builder streams a set of source paths into a single tar.gz archive.
// It knows nothing about container state; the caller is responsible for
// quiescing writers if a consistent snapshot is required.
type Builder struct {
	logger zerolog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Filename substitutes the run's start time into the naming template, which
// uses Go reference-time layout tokens. Runs on the same day with a
// day-granularity template produce the same name and overwrite each other.
func Filename(template string, start time.Time) string {
	return start.Format(template)
}

// Build writes the contents of every existing source path into a single
// compressed archive at dest. Entries are rooted at each source's base name
// so identical inputs produce identical layouts. The archive is written to a
// temp file in dest's directory and renamed into place on success.
func (b *Builder) Build(ctx context.Context, sources []string, dest string) (*Result, error) {
	start := time.Now()

	var usable []string
	for _, src := range sources {
		if _, err := os.Stat(src); err != nil {
			b.logger.Warn().Str("source", src).Msg("skipping missing source path")
			continue
		}
		usable = append(usable, src)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: none of %v exist", ErrNoSources, sources)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "volume-backup-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	gz := pgzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	var bytesRead int64
	for _, src := range usable {
		n, werr := b.writeSource(ctx, tw, src)
		bytesRead += n
		if werr != nil {
			err = fmt.Errorf("archive %s: %w", src, werr)
			return nil, err
		}
	}

	if err = tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err = gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp archive: %w", err)
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("rename archive into place: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	res := &Result{
		Path:      dest,
		SizeBytes: info.Size(),
		BytesRead: bytesRead,
		Elapsed:   time.Since(start),
	}
	b.logger.Debug().
		Str("path", res.Path).
		Int64("size_bytes", res.SizeBytes).
		Dur("elapsed", res.Elapsed).
		Msg("archive built")
	return res, nil
}

func (b *Builder) writeSource(ctx context.Context, tw *tar.Writer, src string) (int64, error) {
	base := filepath.Base(filepath.Clean(src))

	var total int64
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.Join(base, rel)
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(name)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := io.Copy(tw, f)
		total += n
		return err
	})
	return total, err
}
