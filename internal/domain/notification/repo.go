package notification

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rcm/rcm/pkg/pagination"
)

var ErrNotFound = errors.New("notification not found")

// Repository methods that take a userID only ever touch that user's rows;
// a notification of another user is reported as ErrNotFound.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, userID uuid.UUID, f Filter, p pagination.Params) ([]*Notification, int, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	Get(ctx context.Context, userID, id uuid.UUID) (*Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) (*Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
}
