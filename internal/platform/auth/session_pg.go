package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcm/rcm/internal/platform/db"
)

// PGSessionStore is the Postgres-backed SessionStore.
type PGSessionStore struct {
	pool *pgxpool.Pool
}

func NewPGSessionStore(pool *pgxpool.Pool) *PGSessionStore {
	return &PGSessionStore{pool: pool}
}

func (s *PGSessionStore) Create(ctx context.Context, userID uuid.UUID, ttl time.Duration, meta SessionMeta) (*Session, error) {
	sess := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(ttl),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	}
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO user_sessions (id, user_id, expires_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		sess.ID, sess.UserID, sess.ExpiresAt, sess.UserAgent, sess.IPAddress,
	).Scan(&sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// FindActive is the single round trip made on every authenticated request.
func (s *PGSessionStore) FindActive(ctx context.Context, userID uuid.UUID) (*ActiveSession, error) {
	var (
		a    ActiveSession
		role string
	)
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT s.id, s.expires_at, u.id, u.email, u.role, u.organization_id, u.is_active
		FROM user_sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.user_id = $1 AND s.expires_at > now()
		ORDER BY s.expires_at DESC
		LIMIT 1`, userID,
	).Scan(&a.SessionID, &a.ExpiresAt, &a.UserID, &a.Email, &role, &a.OrganizationID, &a.UserActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	a.Role = Role(role)
	return &a, nil
}

func (s *PGSessionStore) DeleteForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGSessionStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM user_sessions WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
