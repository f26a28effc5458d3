package files

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/domain/claims"
	"github.com/rcm/rcm/internal/domain/notification"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/blobstore"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/middleware"
	"github.com/rcm/rcm/pkg/pagination"
)

var ErrInvalidFileType = errors.New("invalid file type")

// ClaimFinder is satisfied by *claims.Service.
type ClaimFinder interface {
	Find(ctx context.Context, orgID, id uuid.UUID) (*claims.Claim, error)
}

type Notifier interface {
	NotifyTemplate(ctx context.Context, templateID string, data map[string]string, n *notification.Notification) error
}

type Service struct {
	tx       db.Transactor
	repo     Repository
	blobs    blobstore.Presigner
	claims   ClaimFinder
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(tx db.Transactor, repo Repository, blobs blobstore.Presigner, cf ClaimFinder, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		tx:       tx,
		repo:     repo,
		blobs:    blobs,
		claims:   cf,
		notifier: notifier,
		logger:   logger.With().Str("component", "files").Logger(),
		now:      time.Now,
	}
}

// NormalizeFileType folds a client supplied category such as
// "Medical Record" to "medical-record".
func NormalizeFileType(t string) string {
	return slug.Make(t)
}

func cleanFilename(name string) string {
	name = middleware.CleanString(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	return path.Base(name)
}

// Upload records the file and issues a presigned PUT URL for it. The record
// is rolled back when no URL can be issued.
func (s *Service) Upload(ctx context.Context, id *auth.Identity, req UploadRequest) (*Upload, error) {
	fileType := NormalizeFileType(req.FileType)
	if fileType == "" {
		return nil, ErrInvalidFileType
	}
	name := cleanFilename(req.OriginalFilename)

	var claim *claims.Claim
	if req.RelatedClaimID != nil {
		c, err := s.claims.Find(ctx, id.OrganizationID, *req.RelatedClaimID)
		if err != nil {
			return nil, err
		}
		claim = c
	}

	f := &File{
		ID:               uuid.New(),
		OrganizationID:   id.OrganizationID,
		UploadedBy:       id.ID,
		OriginalFilename: name,
		MimeType:         strings.ToLower(strings.TrimSpace(req.MimeType)),
		SizeBytes:        req.SizeBytes,
		FileType:         fileType,
		RelatedClaimID:   req.RelatedClaimID,
	}
	key, err := blobstore.StorageKey(f.OrganizationID, f.ID, name)
	if err != nil {
		return nil, err
	}
	f.StorageKey = key

	spec := blobstore.UploadSpec{
		Key:         key,
		ContentType: f.MimeType,
		Size:        f.SizeBytes,
		Metadata: map[string]string{
			"original-filename": name,
			"organization-id":   f.OrganizationID.String(),
			"uploaded-by":       f.UploadedBy.String(),
		},
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	out := &Upload{File: f}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, f); err != nil {
			return err
		}
		out.ExpiresAt = s.now().Add(URLExpiry).UTC()
		url, err := s.blobs.PresignPut(ctx, spec, URLExpiry)
		if err != nil {
			return fmt.Errorf("presign upload: %w", err)
		}
		out.UploadURL = url
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("file_id", f.ID.String()).Str("organization_id", f.OrganizationID.String()).
		Int64("size_bytes", f.SizeBytes).Msg("upload url issued")
	s.notifyAssignee(ctx, id, claim, f)
	return out, nil
}

// notifyAssignee tells the claim's assignee about documents someone else
// attached to it.
func (s *Service) notifyAssignee(ctx context.Context, id *auth.Identity, claim *claims.Claim, f *File) {
	if s.notifier == nil || claim == nil || claim.AssignedTo == nil || *claim.AssignedTo == id.ID {
		return
	}
	err := s.notifier.NotifyTemplate(ctx, notification.TemplateFileUploaded, map[string]string{
		"filename": f.OriginalFilename,
		"file_id":  f.ID.String(),
	}, &notification.Notification{
		OrganizationID: f.OrganizationID,
		UserID:         *claim.AssignedTo,
		Type:           notification.TypeInApp,
		RelatedClaimID: &claim.ID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("file_id", f.ID.String()).Msg("file upload notification failed")
	}
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (*File, error) {
	return s.repo.Get(ctx, orgID, id)
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID, f Filter, p pagination.Params) (*List, error) {
	if f.FileType != "" {
		f.FileType = NormalizeFileType(f.FileType)
	}
	items, total, err := s.repo.List(ctx, orgID, f, p)
	if err != nil {
		return nil, err
	}
	return &List{Files: items, Meta: pagination.NewMeta(p, total)}, nil
}

// DownloadURL issues a presigned GET URL for a live file.
func (s *Service) DownloadURL(ctx context.Context, orgID, id uuid.UUID) (*Download, error) {
	f, err := s.repo.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.PresignGet(ctx, f.StorageKey, URLExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}
	return &Download{URL: url, ExpiresAt: s.now().Add(URLExpiry).UTC()}, nil
}

// Delete hides the file. The stored object stays until Purge.
func (s *Service) Delete(ctx context.Context, id *auth.Identity, fileID uuid.UUID) error {
	if err := s.repo.SoftDelete(ctx, id.OrganizationID, fileID, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info().Str("file_id", fileID.String()).Str("deleted_by", id.ID.String()).Msg("file deleted")
	return nil
}

// Purge removes the objects and records of files whose deletion happened
// before cutoff. A file whose object cannot be removed keeps its record and is
// retried on the next run.
func (s *Service) Purge(ctx context.Context, before time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	purged := 0
	for {
		list, err := s.repo.Deleted(ctx, before, batch)
		if err != nil {
			return purged, err
		}
		n := 0
		for _, f := range list {
			if err := s.blobs.Delete(ctx, f.StorageKey); err != nil {
				s.logger.Warn().Err(err).Str("file_id", f.ID.String()).Msg("object delete failed")
				continue
			}
			if err := s.repo.Purge(ctx, f.ID); err != nil {
				return purged, err
			}
			n++
		}
		purged += n
		if len(list) < batch || n == 0 {
			return purged, nil
		}
	}
}
