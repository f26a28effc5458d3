package claims

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/pkg/pagination"
)

var (
	ErrNotFound        = errors.New("claim not found")
	ErrDuplicateNumber = errors.New("claim number already exists")
)

// Repository methods taking an orgID never read or write another
// organization's claims.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	Get(ctx context.Context, orgID, id uuid.UUID) (*Claim, error)
	GetMany(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*Claim, error)
	List(ctx context.Context, orgID uuid.UUID, f Filter, p pagination.Params) ([]*Claim, int, error)
	Update(ctx context.Context, orgID, id uuid.UUID, ch Changes) (*Claim, error)
	Assign(ctx context.Context, orgID, id, userID uuid.UUID, at time.Time) (*Claim, error)
	SetAnalysis(ctx context.Context, orgID, id uuid.UUID, a Analysis) (*Claim, error)

	AddAction(ctx context.Context, a *Action) error
	RecentActions(ctx context.Context, claimID uuid.UUID, limit int) ([]*Action, error)
	AddNote(ctx context.Context, n *Note) error
	Notes(ctx context.Context, claimID uuid.UUID) ([]*Note, error)
}
