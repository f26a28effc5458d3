package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one refresh cycle for a user. It is valid while ExpiresAt is in
// the future; expired rows are ignored by lookups and removed by the reaper.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionMeta describes the client that opened a session.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// ActiveSession is the result of the per-request lookup: the newest
// unexpired session joined with the owner's account state.
type ActiveSession struct {
	SessionID      uuid.UUID
	ExpiresAt      time.Time
	UserID         uuid.UUID
	Email          string
	Role           Role
	OrganizationID uuid.UUID
	UserActive     bool
}

// SessionStore persists sessions in the store of record.
type SessionStore interface {
	Create(ctx context.Context, userID uuid.UUID, ttl time.Duration, meta SessionMeta) (*Session, error)
	// FindActive returns ErrSessionNotFound when the user has no unexpired
	// session. It does not filter on the user's active flag.
	FindActive(ctx context.Context, userID uuid.UUID) (*ActiveSession, error)
	DeleteForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
