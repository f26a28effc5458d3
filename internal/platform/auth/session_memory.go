package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Account is the user state joined into an ActiveSession.
type Account struct {
	ID             uuid.UUID
	Email          string
	Role           Role
	OrganizationID uuid.UUID
	Active         bool
}

// AccountLookup resolves the owner of a session. It returns nil, nil for an
// unknown user.
type AccountLookup func(ctx context.Context, userID uuid.UUID) (*Account, error)

// MemorySessionStore keeps sessions in process memory. It stands in for the
// Postgres store wherever the server is assembled without a database.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID][]*Session // userID -> sessions
	lookup   AccountLookup
	now      func() time.Time
}

func NewMemorySessionStore(lookup AccountLookup) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[uuid.UUID][]*Session),
		lookup:   lookup,
		now:      time.Now,
	}
}

func (s *MemorySessionStore) Create(_ context.Context, userID uuid.UUID, ttl time.Duration, meta SessionMeta) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = append(s.sessions[userID], sess)
	return sess, nil
}

func (s *MemorySessionStore) FindActive(ctx context.Context, userID uuid.UUID) (*ActiveSession, error) {
	s.mu.RLock()
	var latest *Session
	now := s.now()
	for _, sess := range s.sessions[userID] {
		if !sess.ExpiresAt.After(now) {
			continue
		}
		if latest == nil || sess.ExpiresAt.After(latest.ExpiresAt) {
			latest = sess
		}
	}
	s.mu.RUnlock()

	if latest == nil {
		return nil, ErrSessionNotFound
	}

	acct, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrSessionNotFound
	}

	return &ActiveSession{
		SessionID:      latest.ID,
		ExpiresAt:      latest.ExpiresAt,
		UserID:         acct.ID,
		Email:          acct.Email,
		Role:           acct.Role,
		OrganizationID: acct.OrganizationID,
		UserActive:     acct.Active,
	}, nil
}

func (s *MemorySessionStore) DeleteForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.sessions[userID]))
	delete(s.sessions, userID)
	return n, nil
}

func (s *MemorySessionStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for userID, list := range s.sessions {
		kept := list[:0]
		for _, sess := range list {
			if sess.ExpiresAt.After(before) {
				kept = append(kept, sess)
			} else {
				purged++
			}
		}
		if len(kept) == 0 {
			delete(s.sessions, userID)
		} else {
			s.sessions[userID] = kept
		}
	}
	return purged, nil
}

// Sessions returns a snapshot of a user's sessions ordered by expiry.
func (s *MemorySessionStore) Sessions(userID uuid.UUID) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions[userID]))
	for _, sess := range s.sessions[userID] {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
