package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/pkg/pagination"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type OrganizationRepository interface {
	Create(ctx context.Context, o *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
}

type UserRepository interface {
	// Create returns ErrEmailTaken when the email is already registered.
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// GetInOrg returns ErrNotFound for users of other organizations.
	GetInOrg(ctx context.Context, orgID, id uuid.UUID) (*User, error)
	List(ctx context.Context, orgID uuid.UUID, f UserFilter, p pagination.Params) ([]*User, int, error)
	UpdateRole(ctx context.Context, orgID, id uuid.UUID, role auth.Role) (*User, error)
	SetActive(ctx context.Context, orgID, id uuid.UUID, active bool) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}
