package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/pkg/pagination"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const claimCols = `id, organization_id, claim_number, patient_name, payer_name, date_of_service,
	total_charge::float8, status, priority, COALESCE(denial_code, ''), COALESCE(denial_reason, ''),
	assigned_to, assigned_at, COALESCE(ai_recommended_action, ''), ai_confidence_score, ai_analyzed_at,
	created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c                Claim
		status, priority string
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.ClaimNumber, &c.PatientName, &c.PayerName, &c.DateOfService,
		&c.TotalCharge, &status, &priority, &c.DenialCode, &c.DenialReason,
		&c.AssignedTo, &c.AssignedAt, &c.AIRecommendedAction, &c.AIConfidenceScore, &c.AIAnalyzedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status, c.Priority = Status(status), Priority(priority)
	return &c, nil
}

func collectClaims(rows pgx.Rows) ([]*Claim, error) {
	defer rows.Close()
	out := []*Claim{}
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claims (id, organization_id, claim_number, patient_name, payer_name, date_of_service,
			total_charge, status, priority, denial_code, denial_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		c.ID, c.OrganizationID, c.ClaimNumber, c.PatientName, c.PayerName, c.DateOfService,
		c.TotalCharge, string(c.Status), string(c.Priority), nullIfEmpty(c.DenialCode), nullIfEmpty(c.DenialReason),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateNumber
	}
	if err != nil {
		return fmt.Errorf("create claim: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, orgID, id uuid.UUID) (*Claim, error) {
	return scanClaim(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claims WHERE id = $1 AND organization_id = $2`, id, orgID))
}

func (r *repoPG) GetMany(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*Claim, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+claimCols+` FROM claims WHERE organization_id = $1 AND id = ANY($2)`, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("get claims: %w", err)
	}
	return collectClaims(rows)
}

// listWhere builds the WHERE clause shared by the count and page queries.
func listWhere(orgID uuid.UUID, f Filter) (string, []any) {
	where := []string{"organization_id = $1"}
	args := []any{orgID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Priority != "" {
		add("priority = $%d", string(f.Priority))
	}
	if f.AssignedTo != nil {
		add("assigned_to = $%d", *f.AssignedTo)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add(`(claim_number ILIKE $%[1]d ESCAPE '\' OR patient_name ILIKE $%[1]d ESCAPE '\' OR denial_reason ILIKE $%[1]d ESCAPE '\')`, db.ContainsPattern(s))
	}
	if f.DateFrom != nil {
		add("date_of_service >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("date_of_service <= $%d", *f.DateTo)
	}
	return strings.Join(where, " AND "), args
}

func (r *repoPG) List(ctx context.Context, orgID uuid.UUID, f Filter, p pagination.Params) ([]*Claim, int, error) {
	clause, args := listWhere(orgID, f)

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count claims: %w", err)
	}

	args = append(args, p.Limit, p.Offset())
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT `+claimCols+` FROM claims WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list claims: %w", err)
	}
	out, err := collectClaims(rows)
	return out, total, err
}

func (r *repoPG) Update(ctx context.Context, orgID, id uuid.UUID, ch Changes) (*Claim, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id, orgID}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if ch.Status != nil {
		set("status", string(*ch.Status))
	}
	if ch.Priority != nil {
		set("priority", string(*ch.Priority))
	}
	if ch.DenialCode != nil {
		set("denial_code", nullIfEmpty(*ch.DenialCode))
	}
	if ch.DenialReason != nil {
		set("denial_reason", nullIfEmpty(*ch.DenialReason))
	}
	return scanClaim(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE claims SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND organization_id = $2
		RETURNING `+claimCols, args...))
}

func (r *repoPG) Assign(ctx context.Context, orgID, id, userID uuid.UUID, at time.Time) (*Claim, error) {
	return scanClaim(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE claims SET assigned_to = $3, assigned_at = $4, updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING `+claimCols, id, orgID, userID, at))
}

func (r *repoPG) SetAnalysis(ctx context.Context, orgID, id uuid.UUID, a Analysis) (*Claim, error) {
	return scanClaim(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE claims SET ai_recommended_action = $3, ai_confidence_score = $4, ai_analyzed_at = $5,
			priority = $6, updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING `+claimCols, id, orgID, a.RecommendedAction, a.Confidence, a.AnalyzedAt, string(a.Priority)))
}

// =========== History ===========

func (r *repoPG) AddAction(ctx context.Context, a *Action) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claim_actions (id, claim_id, user_id, action_type, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		a.ID, a.ClaimID, a.UserID, a.ActionType, a.Description,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("add claim action: %w", err)
	}
	return nil
}

func (r *repoPG) RecentActions(ctx context.Context, claimID uuid.UUID, limit int) ([]*Action, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, claim_id, user_id, action_type, description, created_at
		FROM claim_actions WHERE claim_id = $1
		ORDER BY created_at DESC LIMIT $2`, claimID, limit)
	if err != nil {
		return nil, fmt.Errorf("list claim actions: %w", err)
	}
	defer rows.Close()

	out := []*Action{}
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.ClaimID, &a.UserID, &a.ActionType, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *repoPG) AddNote(ctx context.Context, n *Note) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO claim_notes (id, claim_id, user_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		n.ID, n.ClaimID, n.UserID, n.Body,
	).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("add claim note: %w", err)
	}
	return nil
}

func (r *repoPG) Notes(ctx context.Context, claimID uuid.UUID) ([]*Note, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, claim_id, user_id, body, created_at
		FROM claim_notes WHERE claim_id = $1
		ORDER BY created_at DESC`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list claim notes: %w", err)
	}
	defer rows.Close()

	out := []*Note{}
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.ClaimID, &n.UserID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
