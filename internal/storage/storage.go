package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Target files are plain lists of URLs or hosts for the scan engine to
// work through. Anything else gets rejected before it touches storage.
var allowedTargetExtensions = map[string]string{
	".txt": "text/plain",
	".csv": "text/csv",
}

// DefaultMaxTargetBytes caps uploaded target files at 5 MiB.
const DefaultMaxTargetBytes = 5 << 20

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket string
}

// Service stores uploaded target files in remote object storage.
type Service interface {
	// UploadTargetFile stores one target file and returns its location
	// as an s3:// URL.
	UploadTargetFile(ctx context.Context, name string, body io.Reader, opts UploadOptions) (string, error)
}

// ValidateTargetFile checks the filename and declared size before an
// upload is attempted. maxBytes <= 0 falls back to DefaultMaxTargetBytes.
func ValidateTargetFile(name string, size, maxBytes int64) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("target file name is required")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedTargetExtensions[ext]; !ok {
		return fmt.Errorf("unsupported target file type %q", ext)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTargetBytes
	}
	if size <= 0 {
		return fmt.Errorf("target file is empty")
	}
	if size > maxBytes {
		return fmt.Errorf("target file exceeds %d bytes", maxBytes)
	}
	return nil
}

// targetKey builds a collision-free object key under targets/, keeping the
// original base name for operator readability.
func targetKey(name string) string {
	base := filepath.Base(filepath.ToSlash(name))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	return fmt.Sprintf("targets/%s_%s", uuid.NewString(), base)
}

func contentTypeFor(name string) string {
	if ct, ok := allowedTargetExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
