// Package documents stores uploaded candidate files and turns them back into text.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/apperr"
	"github.com/spigell/cv-screener/internal/logger"
)

const (
	// DefaultMaxSize bounds a single upload.
	DefaultMaxSize int64 = 10 << 20

	binaryProbe   = 2048
	binaryPreview = 200
)

// ErrTooLarge is returned by Save when the upload exceeds the size limit.
var ErrTooLarge = errors.New("document exceeds the upload size limit")

// FileStore keeps uploads as <id><ext> files in one directory.
type FileStore struct {
	dir     string
	maxSize int64
	logger  *zap.Logger
}

// NewFileStore creates dir when needed. A non-positive maxSize uses DefaultMaxSize.
func NewFileStore(dir string, maxSize int64, log *zap.Logger) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory %q: %w", dir, err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &FileStore{dir: dir, maxSize: maxSize, logger: logger.OrNop(log)}, nil
}

// Save writes r under a fresh id, keeping the lower-cased extension of name.
func (s *FileStore) Save(name string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext == "" {
		ext = ".txt"
	}

	id := uuid.NewString()
	path := filepath.Join(s.dir, id+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	closeErr := f.Close()
	if err == nil && n > s.maxSize {
		err = ErrTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save upload %q: %w", name, err)
	}

	s.logger.Debug("document stored", zap.String("document_id", id), zap.String("ext", ext), zap.Int64("bytes", n))
	return id, nil
}

// Exists reports whether a document with id is stored.
func (s *FileStore) Exists(_ context.Context, id string) (bool, error) {
	_, err := s.path(id)
	if apperr.Is(err, apperr.CodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Resolve returns the text of a stored document. Formats that cannot be read as
// text resolve to a diagnostic placeholder instead of an error.
func (s *FileStore) Resolve(_ context.Context, id string) (string, error) {
	path, err := s.path(id)
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return fmt.Sprintf("(PDF file at %s: PDF text extraction is not configured)", name), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", id, err)
	}

	return extractText(name, data), nil
}

func extractText(name string, data []byte) string {
	probe := data[:min(len(data), binaryProbe)]
	if bytes.IndexByte(probe, 0) >= 0 {
		preview := data[:min(len(data), binaryPreview)]
		return fmt.Sprintf("(binary file %s; first 2KB) %s", name, strconv.Quote(string(preview)))
	}
	return strings.ToValidUTF8(string(data), "")
}

func (s *FileStore) path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.NotFound("document", id)
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, id+"*"))
	if err != nil {
		return "", fmt.Errorf("look up document %s: %w", id, err)
	}
	if len(matches) == 0 {
		return "", apperr.NotFound("document", id)
	}

	return matches[0], nil
}
