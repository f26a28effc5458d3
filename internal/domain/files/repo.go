package files

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/pkg/pagination"
)

var ErrNotFound = errors.New("file not found")

// Repository reads never return soft-deleted files.
type Repository interface {
	Create(ctx context.Context, f *File) error
	Get(ctx context.Context, orgID, id uuid.UUID) (*File, error)
	List(ctx context.Context, orgID uuid.UUID, f Filter, p pagination.Params) ([]*File, int, error)
	SoftDelete(ctx context.Context, orgID, id uuid.UUID, at time.Time) error
	// Deleted returns files soft-deleted before cutoff, earliest deletion first.
	Deleted(ctx context.Context, before time.Time, limit int) ([]*File, error)
	Purge(ctx context.Context, id uuid.UUID) error
}
