package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Writer materializes file maps on disk. Every file is written to a temp file
// in the destination directory and renamed into place, so a crash mid-write
// never leaves a partial file at the final path.
type Writer struct {
	logger *zap.Logger
}

// NewWriter creates a Writer.
func NewWriter(logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger}
}

// WriteAll writes files under root/subdir, creating parent directories as
// needed. Keys of files are paths relative to root/subdir. Returns the
// absolute paths written, sorted.
func (w *Writer) WriteAll(root, subdir string, files map[string]string) ([]string, error) {
	base := filepath.Join(root, subdir)

	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	written := make([]string, 0, len(rels))
	for _, rel := range rels {
		dst := filepath.Join(base, filepath.FromSlash(rel))
		if err := writeAtomic(dst, []byte(files[rel])); err != nil {
			return written, fmt.Errorf("writing %s: %w", rel, err)
		}
		written = append(written, dst)
		w.logger.Debug("wrote file",
			zap.String("path", dst),
			zap.Int("bytes", len(files[rel])),
		)
	}
	return written, nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
