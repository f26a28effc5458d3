package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

const cols = `id, organization_id, uploaded_by, original_filename, storage_key, mime_type,
	size_bytes, file_type, related_claim_id, created_at`

func scan(row pgx.Row) (*File, error) {
	var f File
	err := row.Scan(&f.ID, &f.OrganizationID, &f.UploadedBy, &f.OriginalFilename, &f.StorageKey, &f.MimeType,
		&f.SizeBytes, &f.FileType, &f.RelatedClaimID, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repoPG) Create(ctx context.Context, f *File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO file_uploads (id, organization_id, uploaded_by, original_filename, storage_key,
			mime_type, size_bytes, file_type, related_claim_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		f.ID, f.OrganizationID, f.UploadedBy, f.OriginalFilename, f.StorageKey,
		f.MimeType, f.SizeBytes, f.FileType, f.RelatedClaimID,
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, orgID, id uuid.UUID) (*File, error) {
	return scan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+cols+` FROM file_uploads WHERE organization_id = $1 AND id = $2 AND NOT is_deleted`,
		orgID, id))
}

func (r *repoPG) List(ctx context.Context, orgID uuid.UUID, f Filter, p pagination.Params) ([]*File, int, error) {
	where := []string{"organization_id = $1", "NOT is_deleted"}
	args := []any{orgID}
	if f.RelatedClaimID != nil {
		args = append(args, *f.RelatedClaimID)
		where = append(where, fmt.Sprintf("related_claim_id = $%d", len(args)))
	}
	if f.FileType != "" {
		args = append(args, f.FileType)
		where = append(where, fmt.Sprintf("file_type = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM file_uploads WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	args = append(args, p.Limit, p.Offset())
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM file_uploads WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, cols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SoftDelete(ctx context.Context, orgID, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE file_uploads SET is_deleted = TRUE, deleted_at = $3
		 WHERE organization_id = $1 AND id = $2 AND NOT is_deleted`,
		orgID, id, at)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Deleted(ctx context.Context, before time.Time, limit int) ([]*File, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+cols+` FROM file_uploads WHERE is_deleted AND deleted_at < $1 ORDER BY deleted_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("list deleted files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *repoPG) Purge(ctx context.Context, id uuid.UUID) error {
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM file_uploads WHERE id = $1 AND is_deleted`, id); err != nil {
		return fmt.Errorf("purge file: %w", err)
	}
	return nil
}
