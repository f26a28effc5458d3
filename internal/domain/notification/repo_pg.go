package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/pkg/pagination"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const cols = `id, organization_id, user_id, type, title, message, related_claim_id,
	COALESCE(action_url, ''), is_read, read_at, created_at`

func scan(row pgx.Row) (*Notification, error) {
	var (
		n  Notification
		tp string
	)
	err := row.Scan(&n.ID, &n.OrganizationID, &n.UserID, &tp, &n.Title, &n.Message, &n.RelatedClaimID,
		&n.ActionURL, &n.IsRead, &n.ReadAt, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Type = Type(tp)
	return &n, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO notifications (id, organization_id, user_id, type, title, message, related_claim_id, action_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING is_read, created_at`,
		n.ID, n.OrganizationID, n.UserID, string(n.Type), n.Title, n.Message, n.RelatedClaimID, nullIfEmpty(n.ActionURL),
	).Scan(&n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, userID uuid.UUID, f Filter, p pagination.Params) ([]*Notification, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.IsRead != nil {
		args = append(args, *f.IsRead)
		where = append(where, fmt.Sprintf("is_read = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	args = append(args, p.Limit, p.Offset())
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT `+cols+` FROM notifications WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *repoPG) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&n)
	return n, err
}

func (r *repoPG) Get(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return scan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+cols+` FROM notifications WHERE id = $1 AND user_id = $2`, id, userID))
}

// MarkRead keeps the first read_at when the row was already read.
func (r *repoPG) MarkRead(ctx context.Context, userID, id uuid.UUID) (*Notification, error) {
	return scan(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2
		RETURNING `+cols, id, userID))
}

func (r *repoPG) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = now()
		WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) Delete(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
