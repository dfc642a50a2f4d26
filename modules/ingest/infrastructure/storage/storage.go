// Package storage keeps uploaded workbooks on the local filesystem.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/iota-uz/sheet-ingest/pkg/serrors"
)

const separator = "__"

var (
	ErrEmptyFilename   = serrors.NewError("STORAGE_EMPTY_FILENAME", "Filename must not be empty", "")
	ErrUnsupportedType = serrors.NewError("STORAGE_UNSUPPORTED_TYPE", "Unsupported file type", "")
)

var allowedExtensions = map[string]struct{}{
	".xlsx": {},
	".xlsm": {},
}

// Workbooks are zip containers; anything else sniffed from the content is rejected.
var allowedMIME = []string{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-excel.sheet.macroEnabled.12",
	"application/zip",
}

func AllowedExtensions() []string {
	out := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func ValidateExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; ok {
		return nil
	}
	if ext == "" {
		ext = "<none>"
	}
	return fmt.Errorf("%w: %s. Allowed extensions: %s", ErrUnsupportedType, ext, strings.Join(AllowedExtensions(), ", "))
}

// OriginalFilename recovers the client file name from a stored path.
func OriginalFilename(storedPath string) string {
	name := filepath.Base(storedPath)
	if _, orig, ok := strings.Cut(name, separator); ok && orig != "" {
		return orig
	}
	return name
}

type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

func (s *FileStorage) Dir() string {
	return s.dir
}

// StoredPath returns a unique path under the storage directory for filename.
func (s *FileStorage) StoredPath(filename string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "", ErrEmptyFilename
	}
	return filepath.Join(s.dir, strings.ReplaceAll(uuid.NewString(), "-", "")+separator+name), nil
}

// Save validates and writes an uploaded workbook, returning its stored path and size.
func (s *FileStorage) Save(ctx context.Context, filename string, r io.Reader) (string, int64, error) {
	if err := ValidateExtension(filename); err != nil {
		return "", 0, err
	}
	path, err := s.StoredPath(filename)
	if err != nil {
		return "", 0, err
	}

	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", 0, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if mime := mimetype.Detect(head); !mimetype.EqualsAny(mime.String(), allowedMIME...) {
		return "", 0, fmt.Errorf("%w: content is %s", ErrUnsupportedType, mime.String())
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	size, err := io.Copy(f, io.MultiReader(bytes.NewReader(head), contextReader{ctx: ctx, r: r}))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, size, nil
}

func (s *FileStorage) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
