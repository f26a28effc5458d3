package blobstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestStorageKey(t *testing.T) {
	org, file := uuid.New(), uuid.New()

	key, err := StorageKey(org, file, "EOB March.PDF")
	if err != nil {
		t.Fatalf("storage key: %v", err)
	}
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != org.String() || parts[1] != file.String() || parts[2] != "files" {
		t.Fatalf("unexpected layout %q", key)
	}
	if !strings.HasSuffix(parts[3], ".pdf") {
		t.Errorf("expected lowercased extension, got %q", parts[3])
	}

	other, _ := StorageKey(org, file, "EOB March.PDF")
	if other == key {
		t.Error("expected a fresh object name per call")
	}

	if k, _ := StorageKey(org, file, "README"); !strings.HasSuffix(k, ".bin") {
		t.Errorf("expected .bin for extensionless names, got %q", k)
	}
	if _, err := StorageKey(org, file, "  "); !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
}

func TestUploadSpec_Validate(t *testing.T) {
	tests := []struct {
		name string
		spec UploadSpec
		want error
	}{
		{"pdf", UploadSpec{ContentType: "application/pdf", Size: 1024}, nil},
		{"too large", UploadSpec{ContentType: "application/pdf", Size: MaxFileSize + 1}, ErrFileTooLarge},
		{"executable", UploadSpec{ContentType: "application/x-msdownload", Size: 10}, ErrInvalidContentType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.spec.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMemoryPresigner(t *testing.T) {
	p := NewMemoryPresigner("rcm-docs")
	ctx := context.Background()
	spec := UploadSpec{Key: "o/f/files/x.pdf", ContentType: "application/pdf", Size: 10}

	raw, err := p.PresignPut(ctx, spec, DefaultExpiry)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Query().Get("method") != "PUT" || u.Query().Get("expires") != "3600" {
		t.Errorf("unexpected url %s", raw)
	}
	if _, ok := p.Upload(spec.Key); !ok {
		t.Error("expected upload recorded")
	}

	if _, err := p.PresignPut(ctx, UploadSpec{Key: "k", ContentType: "text/html"}, time.Minute); !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected content type rejection, got %v", err)
	}

	_ = p.Delete(ctx, spec.Key)
	if !p.Deleted(spec.Key) {
		t.Error("expected delete recorded")
	}
}

func TestS3Presigner_SignsAgainstCustomEndpoint(t *testing.T) {
	p, err := NewS3Presigner(context.Background(), S3Config{
		Bucket:          "rcm-docs",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	if err != nil {
		t.Fatalf("new presigner: %v", err)
	}

	raw, err := p.PresignGet(context.Background(), "org/file/files/a.pdf", 15*time.Minute)
	if err != nil {
		t.Fatalf("presign get: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "localhost:9000" || u.Path != "/rcm-docs/org/file/files/a.pdf" {
		t.Errorf("expected path-style url on custom endpoint, got %s", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "900" || q.Get("X-Amz-Signature") == "" {
		t.Errorf("expected signed url with 900s expiry, got %s", raw)
	}

	put, err := p.PresignPut(context.Background(), UploadSpec{Key: "org/file/files/b.pdf", ContentType: "application/pdf", Size: 1}, time.Hour)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if !strings.Contains(put, "X-Amz-Expires=3600") {
		t.Errorf("expected 1h expiry, got %s", put)
	}
}
