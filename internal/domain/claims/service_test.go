package claims

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/domain/identity"
	"github.com/rcm/rcm/internal/domain/notification"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/cache"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/pkg/pagination"
)

// -- Mocks --

type mockRepo struct {
	mu        sync.Mutex
	claims    map[uuid.UUID]*Claim
	actions   []*Action
	notes     []*Note
	listCalls int
	getCalls  int
}

func newMockRepo() *mockRepo {
	return &mockRepo{claims: make(map[uuid.UUID]*Claim)}
}

func (m *mockRepo) Create(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.claims {
		if existing.OrganizationID == c.OrganizationID && existing.ClaimNumber == c.ClaimNumber {
			return ErrDuplicateNumber
		}
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now().Add(time.Duration(len(m.claims)) * time.Millisecond)
	c.UpdatedAt = c.CreatedAt
	m.claims[c.ID] = c
	return nil
}

func (m *mockRepo) Get(_ context.Context, orgID, id uuid.UUID) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	c, ok := m.claims[id]
	if !ok || c.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockRepo) GetMany(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*Claim, error) {
	var out []*Claim
	for _, id := range ids {
		if c, err := m.Get(ctx, orgID, id); err == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockRepo) List(_ context.Context, orgID uuid.UUID, f Filter, p pagination.Params) ([]*Claim, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	var out []*Claim
	for _, c := range m.claims {
		if c.OrganizationID != orgID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Priority != "" && c.Priority != f.Priority {
			continue
		}
		if f.AssignedTo != nil && (c.AssignedTo == nil || *c.AssignedTo != *f.AssignedTo) {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(c.ClaimNumber+" "+c.PatientName), strings.ToLower(f.Search)) {
			continue
		}
		if f.DateFrom != nil && c.DateOfService.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && c.DateOfService.After(*f.DateTo) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	start, end := p.Offset(), p.Offset()+p.Limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return out[start:end], total, nil
}

func (m *mockRepo) mutate(orgID, id uuid.UUID, fn func(c *Claim)) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok || c.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	fn(c)
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, orgID, id uuid.UUID, ch Changes) (*Claim, error) {
	return m.mutate(orgID, id, func(c *Claim) {
		if ch.Status != nil {
			c.Status = *ch.Status
		}
		if ch.Priority != nil {
			c.Priority = *ch.Priority
		}
		if ch.DenialCode != nil {
			c.DenialCode = *ch.DenialCode
		}
		if ch.DenialReason != nil {
			c.DenialReason = *ch.DenialReason
		}
	})
}

func (m *mockRepo) Assign(_ context.Context, orgID, id, userID uuid.UUID, at time.Time) (*Claim, error) {
	return m.mutate(orgID, id, func(c *Claim) {
		c.AssignedTo, c.AssignedAt = &userID, &at
	})
}

func (m *mockRepo) SetAnalysis(_ context.Context, orgID, id uuid.UUID, a Analysis) (*Claim, error) {
	return m.mutate(orgID, id, func(c *Claim) {
		conf := a.Confidence
		c.AIRecommendedAction, c.AIConfidenceScore, c.AIAnalyzedAt = a.RecommendedAction, &conf, &a.AnalyzedAt
		c.Priority = a.Priority
	})
}

func (m *mockRepo) AddAction(_ context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID, a.CreatedAt = uuid.New(), time.Now()
	m.actions = append(m.actions, a)
	return nil
}

func (m *mockRepo) RecentActions(_ context.Context, claimID uuid.UUID, limit int) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Action{}
	for i := len(m.actions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.actions[i].ClaimID == claimID {
			out = append(out, m.actions[i])
		}
	}
	return out, nil
}

func (m *mockRepo) AddNote(_ context.Context, n *Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID, n.CreatedAt = uuid.New(), time.Now()
	m.notes = append(m.notes, n)
	return nil
}

func (m *mockRepo) Notes(_ context.Context, claimID uuid.UUID) ([]*Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Note{}
	for _, n := range m.notes {
		if n.ClaimID == claimID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *mockRepo) actionsOf(claimID uuid.UUID, kind string) []*Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Action
	for _, a := range m.actions {
		if a.ClaimID == claimID && a.ActionType == kind {
			out = append(out, a)
		}
	}
	return out
}

type mockMembers struct {
	users map[uuid.UUID]*identity.User
}

func (m *mockMembers) GetInOrg(_ context.Context, orgID, id uuid.UUID) (*identity.User, error) {
	u, ok := m.users[id]
	if !ok || u.OrganizationID != orgID {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

type sentNotification struct {
	template string
	data     map[string]string
	n        *notification.Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (r *recordingNotifier) NotifyTemplate(_ context.Context, id string, data map[string]string, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentNotification{id, data, n})
	return nil
}

// -- Fixture --

type fixture struct {
	svc      *Service
	repo     *mockRepo
	members  *mockMembers
	notifier *recordingNotifier
	store    *cache.MemoryStore
	admin    *auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := cache.NewMemoryStore()
	f := &fixture{
		repo:     newMockRepo(),
		members:  &mockMembers{users: map[uuid.UUID]*identity.User{}},
		notifier: &recordingNotifier{},
		store:    store,
		admin:    &auth.Identity{ID: uuid.New(), Role: auth.RoleAdmin, OrganizationID: uuid.New()},
	}
	c := cache.New(store, 5*time.Minute, zerolog.Nop())
	f.svc = NewService(db.NoopTransactor{}, f.repo, f.members, f.notifier, c, zerolog.Nop())
	return f
}

func (f *fixture) member(active bool) *identity.User {
	u := &identity.User{ID: uuid.New(), OrganizationID: f.admin.OrganizationID, FirstName: "Bea", LastName: "Biller", IsActive: active}
	f.members.users[u.ID] = u
	return u
}

func (f *fixture) claim(t *testing.T, number string) *Claim {
	t.Helper()
	c, err := f.svc.Create(context.Background(), f.admin, CreateRequest{
		ClaimNumber:   number,
		PatientName:   "Pat Patient",
		PayerName:     "Acme Health",
		DateOfService: "2026-03-14",
		TotalCharge:   250.5,
		DenialCode:    " co-45 ",
	})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	return c
}

// -- Tests --

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")

	if c.Status != StatusPending || c.Priority != PriorityMedium {
		t.Errorf("expected pending/medium, got %s/%s", c.Status, c.Priority)
	}
	if c.DenialCode != "CO-45" {
		t.Errorf("expected normalized denial code, got %q", c.DenialCode)
	}
	if c.OrganizationID != f.admin.OrganizationID {
		t.Error("expected claim in caller's organization")
	}
	if c.DateOfService.Format(dateLayout) != "2026-03-14" {
		t.Errorf("unexpected date of service %s", c.DateOfService)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "CLM-1")
	_, err := f.svc.Create(context.Background(), f.admin, CreateRequest{
		ClaimNumber: "CLM-1", PatientName: "p", PayerName: "p", DateOfService: "2026-01-01", TotalCharge: 1,
	})
	if !errors.Is(err, ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
}

func TestCreate_InvalidDate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.admin, CreateRequest{
		ClaimNumber: "X", PatientName: "p", PayerName: "p", DateOfService: "14/03/2026", TotalCharge: 1,
	})
	if !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestList_CachedUntilWrite(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "CLM-1")
	ctx := context.Background()
	p := pagination.Params{Page: 1, Limit: 20}

	first, err := f.svc.List(ctx, f.admin.OrganizationID, Filter{}, p)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if first.Meta.Total != 1 {
		t.Fatalf("expected 1 claim, got %d", first.Meta.Total)
	}
	if _, err := f.svc.List(ctx, f.admin.OrganizationID, Filter{}, p); err != nil {
		t.Fatalf("list: %v", err)
	}
	if f.repo.listCalls != 1 {
		t.Fatalf("expected second list served from cache, got %d repo calls", f.repo.listCalls)
	}

	f.claim(t, "CLM-2")
	second, _ := f.svc.List(ctx, f.admin.OrganizationID, Filter{}, p)
	if f.repo.listCalls != 2 {
		t.Errorf("expected cache invalidated by create, got %d repo calls", f.repo.listCalls)
	}
	if second.Meta.Total != 2 {
		t.Errorf("expected 2 claims after create, got %d", second.Meta.Total)
	}
}

func TestList_FiltersUseDistinctKeys(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "CLM-1")
	ctx := context.Background()
	p := pagination.Params{Page: 1, Limit: 20}

	_, _ = f.svc.List(ctx, f.admin.OrganizationID, Filter{}, p)
	res, _ := f.svc.List(ctx, f.admin.OrganizationID, Filter{Status: StatusPaid}, p)
	if f.repo.listCalls != 2 {
		t.Fatalf("expected separate cache entries per filter, got %d calls", f.repo.listCalls)
	}
	if res.Meta.Total != 0 {
		t.Errorf("expected no paid claims, got %d", res.Meta.Total)
	}
}

func TestList_ScopedToOrganization(t *testing.T) {
	f := newFixture(t)
	f.claim(t, "CLM-1")
	res, err := f.svc.List(context.Background(), uuid.New(), Filter{}, pagination.Params{Page: 1, Limit: 20})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Meta.Total != 0 {
		t.Errorf("expected other org to see nothing, got %d", res.Meta.Total)
	}
}

func TestGet_DetailCachedAndInvalidatedByNote(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	ctx := context.Background()

	d, err := f.svc.Get(ctx, f.admin.OrganizationID, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.ClaimNumber != "CLM-1" || len(d.Notes) != 0 {
		t.Fatalf("unexpected detail %+v", d)
	}
	calls := f.repo.getCalls
	if _, err := f.svc.Get(ctx, f.admin.OrganizationID, c.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.repo.getCalls != calls {
		t.Fatal("expected detail served from cache")
	}

	if _, err := f.svc.AddNote(ctx, f.admin, c.ID, "Called payer"); err != nil {
		t.Fatalf("add note: %v", err)
	}
	d, _ = f.svc.Get(ctx, f.admin.OrganizationID, c.ID)
	if len(d.Notes) != 1 || d.Notes[0].Body != "Called payer" {
		t.Errorf("expected fresh detail with note, got %+v", d.Notes)
	}
}

func TestGet_OtherOrganizationNotFound(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	if _, err := f.svc.Get(context.Background(), uuid.New(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_ActionsCapped(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	for i := 0; i < RecentActionLimit+5; i++ {
		_, err := f.svc.RecordAction(context.Background(), f.admin, c.ID, ActionRequest{ActionType: "call", Description: "ring"})
		if err != nil {
			t.Fatalf("record action: %v", err)
		}
	}
	d, _ := f.svc.Get(context.Background(), f.admin.OrganizationID, c.ID)
	if len(d.Actions) != RecentActionLimit {
		t.Errorf("expected %d actions, got %d", RecentActionLimit, len(d.Actions))
	}
}

func TestUpdate_RecordsStatusChange(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	status := StatusInProgress

	updated, err := f.svc.Update(context.Background(), f.admin, c.ID, UpdateRequest{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", updated.Status)
	}
	acts := f.repo.actionsOf(c.ID, ActionStatusChange)
	if len(acts) != 1 {
		t.Fatalf("expected 1 status_change action, got %d", len(acts))
	}
	if !strings.Contains(acts[0].Description, "pending -> in_progress") {
		t.Errorf("unexpected description %q", acts[0].Description)
	}
	if acts[0].UserID == nil || *acts[0].UserID != f.admin.ID {
		t.Error("expected action attributed to caller")
	}
}

func TestUpdate_NoChanges(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	if _, err := f.svc.Update(context.Background(), f.admin, c.ID, UpdateRequest{}); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	status := StatusPaid
	if _, err := f.svc.Update(context.Background(), f.admin, uuid.New(), UpdateRequest{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssign_NotifiesAssignee(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-77")
	bea := f.member(true)

	claim, err := f.svc.Assign(context.Background(), f.admin, c.ID, bea.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if claim.AssignedTo == nil || *claim.AssignedTo != bea.ID || claim.AssignedAt == nil {
		t.Fatalf("expected claim assigned to bea, got %+v", claim)
	}
	if len(f.repo.actionsOf(c.ID, ActionAssignment)) != 1 {
		t.Error("expected assignment action")
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(f.notifier.sent))
	}
	sent := f.notifier.sent[0]
	if sent.template != notification.TemplateClaimAssigned {
		t.Errorf("unexpected template %q", sent.template)
	}
	if sent.n.UserID != bea.ID || sent.n.OrganizationID != f.admin.OrganizationID {
		t.Errorf("unexpected recipient %+v", sent.n)
	}
	if sent.data["claim_number"] != "CLM-77" || sent.data["claim_id"] != c.ID.String() {
		t.Errorf("unexpected template data %v", sent.data)
	}
	if sent.n.RelatedClaimID == nil || *sent.n.RelatedClaimID != c.ID {
		t.Error("expected related claim id")
	}
}

func TestAssign_RejectsInactiveOrForeignUser(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	inactive := f.member(false)

	for name, userID := range map[string]uuid.UUID{"inactive": inactive.ID, "unknown": uuid.New()} {
		if _, err := f.svc.Assign(context.Background(), f.admin, c.ID, userID); !errors.Is(err, ErrInvalidAssignee) {
			t.Errorf("%s: expected ErrInvalidAssignee, got %v", name, err)
		}
	}
	if len(f.notifier.sent) != 0 {
		t.Error("expected no notification")
	}
}

func TestAssign_NotificationFailureKeepsAssignment(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	bea := f.member(true)
	f.notifier.err = errors.New("db down")

	if _, err := f.svc.Assign(context.Background(), f.admin, c.ID, bea.ID); err != nil {
		t.Fatalf("expected assignment to succeed, got %v", err)
	}
}

func TestAddNote_SanitizesAndRejectsEmpty(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")

	n, err := f.svc.AddNote(context.Background(), f.admin, c.ID, "  Payer\x00 said resubmit \x07 ")
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if n.Body != "Payer said resubmit" {
		t.Errorf("unexpected body %q", n.Body)
	}
	if _, err := f.svc.AddNote(context.Background(), f.admin, c.ID, " \x00 "); !errors.Is(err, ErrEmptyNote) {
		t.Errorf("expected ErrEmptyNote, got %v", err)
	}
	if _, err := f.svc.AddNote(context.Background(), f.admin, uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyAnalysis_RecordsActionWhenAttributed(t *testing.T) {
	f := newFixture(t)
	c := f.claim(t, "CLM-1")
	a := Analysis{RecommendedAction: "Appeal", Confidence: 0.7, Priority: PriorityHigh, AnalyzedAt: time.Now()}

	claim, err := f.svc.ApplyAnalysis(context.Background(), f.admin.OrganizationID, c.ID, &f.admin.ID, a)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if claim.Priority != PriorityHigh || claim.AIConfidenceScore == nil || *claim.AIConfidenceScore != 0.7 {
		t.Errorf("unexpected claim %+v", claim)
	}
	if len(f.repo.actionsOf(c.ID, ActionAIAnalysis)) != 1 {
		t.Error("expected ai_analysis action")
	}

	if _, err := f.svc.ApplyAnalysis(context.Background(), f.admin.OrganizationID, c.ID, nil, a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(f.repo.actionsOf(c.ID, ActionAIAnalysis)) != 1 {
		t.Error("expected no action for unattributed analysis")
	}
}

func TestInvalidate_OnlyOwnOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := uuid.New()
	_ = f.store.Set(ctx, cache.Key(resource, other.String(), "all"), []byte(`{}`), time.Minute)
	_ = f.store.Set(ctx, cache.Key(resource, f.admin.OrganizationID.String(), "all"), []byte(`{}`), time.Minute)

	f.svc.Invalidate(ctx, f.admin.OrganizationID)

	if f.store.Len() != 1 {
		t.Fatalf("expected only the other org's key left, got %d keys", f.store.Len())
	}
	if _, err := f.store.Get(ctx, cache.Key(resource, other.String(), "all")); err != nil {
		t.Errorf("expected other org key kept: %v", err)
	}
}
