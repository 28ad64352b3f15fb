package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go-photo-finder/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// maxNameAttempts bounds the _1, _2 ... suffix search.
const maxNameAttempts = 1000

// DirSaver writes files into a local directory. Existing files are never
// overwritten; a numeric suffix is added instead.
type DirSaver struct {
	Dir string
}

func NewDirSaver(dir string) *DirSaver {
	return &DirSaver{Dir: dir}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// reserve claims a free name with O_EXCL so concurrent saves of the same name
// cannot pick the same path.
func (s *DirSaver) reserve(name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		path := filepath.Join(s.Dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free file name for %s after %d attempts", name, maxNameAttempts)
}

// Save streams r to a temp file next to the target and renames it into place.
func (s *DirSaver) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	name = filepath.Base(name)
	if !helpers.CheckAndMakeDir(s.Dir) {
		return "", fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, s.Dir)
	}

	finalPath, err := s.reserve(name)
	if err != nil {
		return "", fmt.Errorf("%w: reserving %s: %v", ErrFileSystem, name, err)
	}

	tempFile, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		os.Remove(finalPath)
		return "", fmt.Errorf("%w: creating temporary file for %s: %w", ErrFileSystem, name, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
		}
		os.Remove(finalPath)
	}()

	written, err := io.Copy(tempFile, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tempFile.Close()
		return "", fmt.Errorf("%w: writing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("%w: closing temp file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	if size >= 0 && written != size {
		return "", fmt.Errorf("%w: short write for %s: got %d of %d bytes", ErrFileSystem, name, written, size)
	}

	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return "", fmt.Errorf("%w: renaming temporary file %s to %s: %v", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	committed = true
	log.Debugf("Saved %s (%s)", finalPath, helpers.BytesToSize(uint64(written)))
	return finalPath, nil
}
