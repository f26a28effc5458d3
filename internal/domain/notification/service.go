package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/metrics"
	"github.com/rcm/rcm/internal/platform/websocket"
	"github.com/rcm/rcm/pkg/pagination"
)

type Service struct {
	repo      Repository
	emitter   websocket.Emitter
	templates *TemplateEngine
	logger    zerolog.Logger
}

func NewService(repo Repository, emitter websocket.Emitter, templates *TemplateEngine, logger zerolog.Logger) *Service {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Service{
		repo:      repo,
		emitter:   emitter,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Notify persists n and pushes it to the recipient's sockets. The push is
// skipped when the insert fails.
func (s *Service) Notify(ctx context.Context, n *Notification) error {
	if n.Type == "" {
		n.Type = TypeInApp
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return err
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
	if s.emitter != nil {
		s.emitter.EmitToUser(n.UserID.String(), EventNew, n)
	}
	return nil
}

// NotifyTemplate renders a built-in template into n and sends it.
func (s *Service) NotifyTemplate(ctx context.Context, templateID string, data map[string]string, n *Notification) error {
	title, message, actionURL, err := s.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	n.Title, n.Message = title, message
	if n.ActionURL == "" {
		n.ActionURL = actionURL
	}
	if err := s.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify %s: %w", templateID, err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, f Filter, p pagination.Params) (*List, error) {
	items, total, err := s.repo.List(ctx, userID, f, p)
	if err != nil {
		return nil, err
	}
	return &List{Notifications: items, Meta: pagination.NewMeta(p, total)}, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// MarkRead is idempotent: an already read notification is returned as is.
func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	n, err := s.repo.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.IsRead {
		return n, nil
	}
	return s.repo.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Str("user_id", userID.String()).Int64("updated", n).Msg("notifications marked read")
	return n, nil
}

func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.Delete(ctx, userID, id)
}
