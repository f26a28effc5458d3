// Package blobstore hands out short-lived presigned URLs for document
// uploads and downloads. File bytes never pass through the API server.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the largest upload a presigned URL is issued for (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// DefaultExpiry is the lifetime of issued URLs.
const DefaultExpiry = time.Hour

// AllowedContentTypes lists the document types accepted for claims work:
// EOBs, remittances, medical records and payer correspondence.
var AllowedContentTypes = map[string]bool{
	"application/pdf":    true,
	"image/png":          true,
	"image/jpeg":         true,
	"image/tiff":         true,
	"text/plain":         true,
	"text/csv":           true,
	"application/edi-x12": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
}

// UploadSpec describes an object a client is about to PUT.
type UploadSpec struct {
	Key         string
	ContentType string
	Size        int64
	Metadata    map[string]string
}

// Validate checks the declared size and type before a URL is issued.
func (s UploadSpec) Validate() error {
	if s.Size > MaxFileSize {
		return ErrFileTooLarge
	}
	if !AllowedContentTypes[s.ContentType] {
		return ErrInvalidContentType
	}
	return nil
}

// Presigner issues presigned URLs and removes objects.
type Presigner interface {
	PresignPut(ctx context.Context, spec UploadSpec, expires time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// StorageKey lays objects out as <org>/<fileID>/files/<random>.<ext>.
func StorageKey(orgID, fileID uuid.UUID, filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", ErrMissingFileName
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s/files/%s.%s", orgID, fileID, uuid.New(), ext), nil
}

// MemoryPresigner is a Presigner for tests and local runs. Its URLs are not
// fetchable; they only encode what was signed.
type MemoryPresigner struct {
	mu      sync.Mutex
	bucket  string
	puts    map[string]UploadSpec
	deleted map[string]bool
}

func NewMemoryPresigner(bucket string) *MemoryPresigner {
	return &MemoryPresigner{
		bucket:  bucket,
		puts:    make(map[string]UploadSpec),
		deleted: make(map[string]bool),
	}
}

func (m *MemoryPresigner) PresignPut(_ context.Context, spec UploadSpec, expires time.Duration) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[spec.Key] = spec
	return fmt.Sprintf("memory://%s/%s?method=PUT&expires=%d", m.bucket, spec.Key, int(expires.Seconds())), nil
}

func (m *MemoryPresigner) PresignGet(_ context.Context, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?method=GET&expires=%d", m.bucket, key, int(expires.Seconds())), nil
}

func (m *MemoryPresigner) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[key] = true
	return nil
}

// Upload returns the spec a PUT URL was issued for.
func (m *MemoryPresigner) Upload(key string) (UploadSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.puts[key]
	return s, ok
}

func (m *MemoryPresigner) Deleted(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[key]
}
