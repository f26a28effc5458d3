package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/domain/identity"
	"github.com/rcm/rcm/internal/domain/notification"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/cache"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/middleware"
	"github.com/rcm/rcm/pkg/pagination"
)

var (
	ErrInvalidAssignee = errors.New("assignee is not an active member of the organization")
	ErrEmptyNote       = errors.New("note body is empty")
	ErrNoChanges       = errors.New("no fields to update")
	ErrInvalidDate     = errors.New("invalid date of service")
)

const resource = "claims"

// Members resolves users of an organization.
type Members interface {
	GetInOrg(ctx context.Context, orgID, id uuid.UUID) (*identity.User, error)
}

// Notifier delivers templated notifications.
type Notifier interface {
	NotifyTemplate(ctx context.Context, templateID string, data map[string]string, n *notification.Notification) error
}

type Service struct {
	tx       db.Transactor
	repo     Repository
	members  Members
	notifier Notifier
	cache    *cache.Cache
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(tx db.Transactor, repo Repository, members Members, notifier Notifier, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		tx:       tx,
		repo:     repo,
		members:  members,
		notifier: notifier,
		cache:    c,
		logger:   logger.With().Str("component", "claims").Logger(),
		now:      time.Now,
	}
}

// Invalidate drops every cached claim list and detail of the organization.
func (s *Service) Invalidate(ctx context.Context, orgID uuid.UUID) {
	s.cache.InvalidatePattern(ctx, cache.Prefix(resource, orgID.String()))
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID, f Filter, p pagination.Params) (*List, error) {
	key := cache.Key(resource, orgID.String(), cache.FilterKey(f.values(p)))
	return cache.Remember(ctx, s.cache, key, 0, func(ctx context.Context) (*List, error) {
		items, total, err := s.repo.List(ctx, orgID, f, p)
		if err != nil {
			return nil, err
		}
		return &List{Claims: items, Meta: pagination.NewMeta(p, total)}, nil
	})
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (*Detail, error) {
	key := cache.Key(resource, orgID.String(), "detail", id.String())
	return cache.Remember(ctx, s.cache, key, 0, func(ctx context.Context) (*Detail, error) {
		c, err := s.repo.Get(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		actions, err := s.repo.RecentActions(ctx, id, RecentActionLimit)
		if err != nil {
			return nil, err
		}
		notes, err := s.repo.Notes(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Detail{Claim: c, Actions: actions, Notes: notes}, nil
	})
}

// Find reads a claim straight from the store.
func (s *Service) Find(ctx context.Context, orgID, id uuid.UUID) (*Claim, error) {
	return s.repo.Get(ctx, orgID, id)
}

// FindMany returns the claims of ids that belong to the organization;
// unknown ids are skipped.
func (s *Service) FindMany(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*Claim, error) {
	return s.repo.GetMany(ctx, orgID, ids)
}

func (s *Service) Create(ctx context.Context, id *auth.Identity, req CreateRequest) (*Claim, error) {
	dos, err := time.Parse(dateLayout, req.DateOfService)
	if err != nil {
		return nil, ErrInvalidDate
	}
	c := &Claim{
		OrganizationID: id.OrganizationID,
		ClaimNumber:    strings.TrimSpace(req.ClaimNumber),
		PatientName:    strings.TrimSpace(req.PatientName),
		PayerName:      strings.TrimSpace(req.PayerName),
		DateOfService:  dos,
		TotalCharge:    req.TotalCharge,
		Status:         StatusPending,
		Priority:       req.Priority,
		DenialCode:     strings.ToUpper(strings.TrimSpace(req.DenialCode)),
		DenialReason:   middleware.CleanString(req.DenialReason),
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, id.OrganizationID)
	s.logger.Info().Str("claim_id", c.ID.String()).Str("organization_id", c.OrganizationID.String()).Msg("claim created")
	return c, nil
}

func describeChanges(before *Claim, ch Changes) string {
	var parts []string
	if ch.Status != nil && *ch.Status != before.Status {
		parts = append(parts, fmt.Sprintf("status %s -> %s", before.Status, *ch.Status))
	}
	if ch.Priority != nil && *ch.Priority != before.Priority {
		parts = append(parts, fmt.Sprintf("priority %s -> %s", before.Priority, *ch.Priority))
	}
	if ch.DenialCode != nil && *ch.DenialCode != before.DenialCode {
		parts = append(parts, "denial code updated")
	}
	if ch.DenialReason != nil && *ch.DenialReason != before.DenialReason {
		parts = append(parts, "denial reason updated")
	}
	if len(parts) == 0 {
		return "Updated claim"
	}
	return "Updated claim: " + strings.Join(parts, ", ")
}

// Update applies the changes and records a status_change action in the
// same transaction.
func (s *Service) Update(ctx context.Context, id *auth.Identity, claimID uuid.UUID, req UpdateRequest) (*Claim, error) {
	ch := req.changes()
	if ch.Empty() {
		return nil, ErrNoChanges
	}
	if ch.DenialCode != nil {
		code := strings.ToUpper(strings.TrimSpace(*ch.DenialCode))
		ch.DenialCode = &code
	}
	if ch.DenialReason != nil {
		reason := middleware.CleanString(*ch.DenialReason)
		ch.DenialReason = &reason
	}

	var updated *Claim
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		before, err := s.repo.Get(ctx, id.OrganizationID, claimID)
		if err != nil {
			return err
		}
		updated, err = s.repo.Update(ctx, id.OrganizationID, claimID, ch)
		if err != nil {
			return err
		}
		return s.repo.AddAction(ctx, &Action{
			ClaimID:     claimID,
			UserID:      &id.ID,
			ActionType:  ActionStatusChange,
			Description: describeChanges(before, ch),
		})
	})
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, id.OrganizationID)
	return updated, nil
}

// Assign hands the claim to an active member of the same organization and
// notifies them. A failed notification does not undo the assignment.
func (s *Service) Assign(ctx context.Context, id *auth.Identity, claimID, userID uuid.UUID) (*Claim, error) {
	assignee, err := s.members.GetInOrg(ctx, id.OrganizationID, userID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrInvalidAssignee
	}
	if err != nil {
		return nil, err
	}
	if !assignee.IsActive {
		return nil, ErrInvalidAssignee
	}

	var claim *Claim
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		claim, err = s.repo.Assign(ctx, id.OrganizationID, claimID, userID, s.now())
		if err != nil {
			return err
		}
		return s.repo.AddAction(ctx, &Action{
			ClaimID:     claimID,
			UserID:      &id.ID,
			ActionType:  ActionAssignment,
			Description: fmt.Sprintf("Assigned to %s %s", assignee.FirstName, assignee.LastName),
		})
	})
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, id.OrganizationID)

	if s.notifier != nil {
		n := &notification.Notification{
			OrganizationID: id.OrganizationID,
			UserID:         userID,
			Type:           notification.TypeInApp,
			RelatedClaimID: &claim.ID,
		}
		err := s.notifier.NotifyTemplate(ctx, notification.TemplateClaimAssigned, map[string]string{
			"claim_number": claim.ClaimNumber,
			"claim_id":     claim.ID.String(),
		}, n)
		if err != nil {
			s.logger.Error().Err(err).Str("claim_id", claim.ID.String()).Msg("assignment notification failed")
		}
	}
	return claim, nil
}

func (s *Service) AddNote(ctx context.Context, id *auth.Identity, claimID uuid.UUID, body string) (*Note, error) {
	body = middleware.CleanString(body)
	if body == "" {
		return nil, ErrEmptyNote
	}
	if _, err := s.repo.Get(ctx, id.OrganizationID, claimID); err != nil {
		return nil, err
	}
	n := &Note{ClaimID: claimID, UserID: id.ID, Body: body}
	if err := s.repo.AddNote(ctx, n); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, id.OrganizationID)
	return n, nil
}

// RecordAction appends a free-form entry to the claim history, e.g. a call
// to the payer.
func (s *Service) RecordAction(ctx context.Context, id *auth.Identity, claimID uuid.UUID, req ActionRequest) (*Action, error) {
	if _, err := s.repo.Get(ctx, id.OrganizationID, claimID); err != nil {
		return nil, err
	}
	a := &Action{
		ClaimID:     claimID,
		UserID:      &id.ID,
		ActionType:  strings.ToLower(strings.TrimSpace(req.ActionType)),
		Description: middleware.CleanString(req.Description),
	}
	if err := s.repo.AddAction(ctx, a); err != nil {
		return nil, err
	}
	s.Invalidate(ctx, id.OrganizationID)
	return a, nil
}

// ApplyAnalysis stores a denial recommendation on the claim and, when by is
// set, records it in the history. The cache is left to the caller so that
// batches invalidate once.
func (s *Service) ApplyAnalysis(ctx context.Context, orgID, claimID uuid.UUID, by *uuid.UUID, a Analysis) (*Claim, error) {
	var claim *Claim
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		claim, err = s.repo.SetAnalysis(ctx, orgID, claimID, a)
		if err != nil {
			return err
		}
		if by == nil {
			return nil
		}
		return s.repo.AddAction(ctx, &Action{
			ClaimID:     claimID,
			UserID:      by,
			ActionType:  ActionAIAnalysis,
			Description: fmt.Sprintf("Denial analysis: %s (confidence %.2f)", a.RecommendedAction, a.Confidence),
		})
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}
