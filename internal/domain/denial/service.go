package denial

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/domain/claims"
	"github.com/rcm/rcm/internal/domain/notification"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/queue"
	"github.com/rcm/rcm/internal/platform/websocket"
)

// Job names and socket events.
const (
	JobBatchAnalysis    = "batch-analysis"
	EventBatchCompleted = "ai:batch:completed"
	MaxBatchSize        = 500
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrUnknownJob    = errors.New("unknown job")
	ErrBatchTooLarge = errors.New("too many claims in batch")
)

// ClaimStore is the part of the claims service analysis needs.
type ClaimStore interface {
	Find(ctx context.Context, orgID, id uuid.UUID) (*claims.Claim, error)
	FindMany(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*claims.Claim, error)
	ApplyAnalysis(ctx context.Context, orgID, claimID uuid.UUID, by *uuid.UUID, a claims.Analysis) (*claims.Claim, error)
	Invalidate(ctx context.Context, orgID uuid.UUID)
}

// JobQueue is satisfied by *queue.Queue.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, payload any) (*queue.Job, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
}

type Notifier interface {
	NotifyTemplate(ctx context.Context, templateID string, data map[string]string, n *notification.Notification) error
}

// BatchPayload is the body of a batch-analysis job.
type BatchPayload struct {
	OrganizationID uuid.UUID   `json:"organizationId"`
	ClaimIDs       []uuid.UUID `json:"claimIds"`
	RequestedBy    uuid.UUID   `json:"requestedBy"`
}

// BatchResult is stored as the job result and pushed to the requester.
type BatchResult struct {
	JobID     string `json:"jobId"`
	Requested int    `json:"requested"`
	Analyzed  int    `json:"analyzed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

type Service struct {
	claims   ClaimStore
	analyzer *Analyzer
	jobs     JobQueue
	emitter  websocket.Emitter
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(cs ClaimStore, analyzer *Analyzer, jobs JobQueue, emitter websocket.Emitter, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		claims:   cs,
		analyzer: analyzer,
		jobs:     jobs,
		emitter:  emitter,
		notifier: notifier,
		logger:   logger.With().Str("component", "denial").Logger(),
		now:      time.Now,
	}
}

func (s *Service) analysisOf(res Result) claims.Analysis {
	return claims.Analysis{
		RecommendedAction: res.RecommendedAction,
		Confidence:        res.Confidence,
		Priority:          res.Priority,
		AnalyzedAt:        s.now().UTC(),
	}
}

// AnalyzeClaim stores the recommendation on the claim and returns it.
func (s *Service) AnalyzeClaim(ctx context.Context, id *auth.Identity, claimID uuid.UUID) (*Result, error) {
	claim, err := s.claims.Find(ctx, id.OrganizationID, claimID)
	if err != nil {
		return nil, err
	}
	res := s.analyzer.Analyze(ctx, claim.DenialCode)
	if _, err := s.claims.ApplyAnalysis(ctx, id.OrganizationID, claimID, &id.ID, s.analysisOf(res)); err != nil {
		return nil, err
	}
	s.claims.Invalidate(ctx, id.OrganizationID)
	return &res, nil
}

// AppealLetter renders the appeal letter for a claim without changing it.
func (s *Service) AppealLetter(ctx context.Context, id *auth.Identity, claimID uuid.UUID, level AppealLevel) (string, error) {
	claim, err := s.claims.Find(ctx, id.OrganizationID, claimID)
	if err != nil {
		return "", err
	}
	return AppealLetter(claim, s.analyzer.Analyze(ctx, claim.DenialCode), level), nil
}

// StartBatch queues analysis of claimIDs for the caller's organization.
func (s *Service) StartBatch(ctx context.Context, id *auth.Identity, claimIDs []uuid.UUID) (*queue.Job, error) {
	if len(claimIDs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	job, err := s.jobs.Enqueue(ctx, JobBatchAnalysis, BatchPayload{
		OrganizationID: id.OrganizationID,
		ClaimIDs:       dedupe(claimIDs),
		RequestedBy:    id.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue batch analysis: %w", err)
	}
	s.logger.Info().Str("job_id", job.ID).Int("claims", len(claimIDs)).
		Str("organization_id", id.OrganizationID.String()).Msg("batch analysis queued")
	return job, nil
}

// Job returns a job of the caller's organization. Jobs of other
// organizations are reported as not found.
func (s *Service) Job(ctx context.Context, id *auth.Identity, jobID string) (*queue.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var p BatchPayload
	if err := job.Decode(&p); err != nil || p.OrganizationID != id.OrganizationID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// HandleJob is the queue handler. Claims that are missing or belong to
// another organization are skipped; a failure on one claim does not stop
// the batch. The claims cache is invalidated once at the end.
func (s *Service) HandleJob(ctx context.Context, job *queue.Job) (any, error) {
	if job.Name != JobBatchAnalysis {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}
	var p BatchPayload
	if err := job.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode batch payload: %w", err)
	}

	log := s.logger.With().Str("job_id", job.ID).Str("organization_id", p.OrganizationID.String()).Logger()
	log.Info().Int("claims", len(p.ClaimIDs)).Msg("batch analysis started")

	found, err := s.claims.FindMany(ctx, p.OrganizationID, p.ClaimIDs)
	if err != nil {
		return nil, err
	}

	res := BatchResult{JobID: job.ID, Requested: len(p.ClaimIDs), Skipped: len(p.ClaimIDs) - len(found)}
	for _, c := range found {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		analysis := s.analyzer.Analyze(ctx, c.DenialCode)
		if _, err := s.claims.ApplyAnalysis(ctx, p.OrganizationID, c.ID, nil, s.analysisOf(analysis)); err != nil {
			res.Failed++
			log.Error().Err(err).Str("claim_id", c.ID.String()).Msg("claim analysis failed")
			continue
		}
		res.Analyzed++
	}
	if res.Analyzed > 0 {
		s.claims.Invalidate(ctx, p.OrganizationID)
	}

	log.Info().Int("analyzed", res.Analyzed).Int("skipped", res.Skipped).Int("failed", res.Failed).
		Msg("batch analysis complete")
	s.announce(ctx, p, res)
	return res, nil
}

func (s *Service) announce(ctx context.Context, p BatchPayload, res BatchResult) {
	if s.emitter != nil {
		s.emitter.EmitToUser(p.RequestedBy.String(), EventBatchCompleted, res)
	}
	if s.notifier == nil {
		return
	}
	err := s.notifier.NotifyTemplate(ctx, notification.TemplateBatchCompleted, map[string]string{
		"analyzed":  strconv.Itoa(res.Analyzed),
		"requested": strconv.Itoa(res.Requested),
	}, &notification.Notification{
		OrganizationID: p.OrganizationID,
		UserID:         p.RequestedBy,
		Type:           notification.TypeInApp,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", res.JobID).Msg("batch completion notification failed")
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
