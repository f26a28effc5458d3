// Package files tracks documents attached to claims work. Clients upload and
// download through presigned object-store URLs; the API keeps the metadata.
package files

import (
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/pkg/pagination"
)

// URLExpiry is the lifetime of presigned upload and download URLs.
const URLExpiry = time.Hour

type File struct {
	ID               uuid.UUID  `json:"id"`
	OrganizationID   uuid.UUID  `json:"organizationId"`
	UploadedBy       uuid.UUID  `json:"uploadedBy"`
	OriginalFilename string     `json:"originalFilename"`
	StorageKey       string     `json:"storageKey"`
	MimeType         string     `json:"mimeType"`
	SizeBytes        int64      `json:"sizeBytes"`
	FileType         string     `json:"fileType"`
	RelatedClaimID   *uuid.UUID `json:"relatedClaimId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Upload is returned when an upload URL is issued.
type Upload struct {
	File      *File     `json:"file"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Download struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Filter struct {
	RelatedClaimID *uuid.UUID
	FileType       string
}

type List struct {
	Files []*File         `json:"files"`
	Meta  pagination.Meta `json:"meta"`
}

type UploadRequest struct {
	FileType         string     `json:"fileType" validate:"required,max=50"`
	OriginalFilename string     `json:"originalFilename" validate:"required,max=255"`
	MimeType         string     `json:"mimeType" validate:"required,max=255"`
	SizeBytes        int64      `json:"sizeBytes" validate:"required,gt=0,max=104857600"`
	RelatedClaimID   *uuid.UUID `json:"relatedClaimId"`
}
