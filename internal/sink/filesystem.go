package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// FileSystem stores artifacts under root/<Category>/<folder>/, the way a media
// store lays out shared collections. Existing files are never overwritten.
type FileSystem struct {
	root   string
	folder string
}

func NewFileSystem(root, folder string) *FileSystem {
	return &FileSystem{root: root, folder: folder}
}

// Dir returns the directory artifacts of category are written to.
func (f *FileSystem) Dir(category transfer.Category) string {
	return filepath.Join(f.root, CategoryDir(category), f.folder)
}

func (f *FileSystem) Open(ctx context.Context, name, mimeType string, category transfer.Category) (io.WriteCloser, error) {
	logger := logctx.LoggerFromContext(ctx)

	dir := f.Dir(category)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	for attempt := 0; attempt < maxCollisions; attempt++ {
		target := filepath.Join(dir, candidateName(name, attempt))

		file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create target file: %w", err)
		}

		logger.Debug("created destination file", "target", target, "mime_type", mimeType)

		return &fileHandle{File: file}, nil
	}

	return nil, fmt.Errorf("failed to create target file: %d files named like %q already exist", maxCollisions, name)
}

// fileHandle syncs to stable storage before closing.
type fileHandle struct {
	*os.File
}

func (h *fileHandle) Close() error {
	syncErr := h.File.Sync()
	closeErr := h.File.Close()

	if syncErr != nil {
		return fmt.Errorf("failed to sync file: %w", syncErr)
	}

	return closeErr
}
