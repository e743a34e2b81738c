package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/infra/storage"
)

const sheetColumns = `id, survey_id, title, status, first_signer_email, second_signer_email,
	first_signer_signed_at, second_signer_signed_at, provider_document_id, sign_pending,
	last_signing_error, last_checked_at, expires_at, created_at, updated_at`

type sheetRow struct {
	ID                   string         `db:"id"`
	SurveyID             string         `db:"survey_id"`
	Title                string         `db:"title"`
	Status               string         `db:"status"`
	FirstSignerEmail     string         `db:"first_signer_email"`
	SecondSignerEmail    string         `db:"second_signer_email"`
	FirstSignerSignedAt  sql.NullInt64  `db:"first_signer_signed_at"`
	SecondSignerSignedAt sql.NullInt64  `db:"second_signer_signed_at"`
	ProviderDocumentID   sql.NullString `db:"provider_document_id"`
	SignPending          bool           `db:"sign_pending"`
	LastSigningError     sql.NullString `db:"last_signing_error"`
	LastCheckedAt        sql.NullInt64  `db:"last_checked_at"`
	ExpiresAt            int64          `db:"expires_at"`
	CreatedAt            int64          `db:"created_at"`
	UpdatedAt            int64          `db:"updated_at"`
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r sheetRow) toDomain() *domain.Sheet {
	return &domain.Sheet{
		ID:                   r.ID,
		SurveyID:             r.SurveyID,
		Title:                r.Title,
		Status:               domain.SheetStatus(r.Status),
		FirstSignerEmail:     r.FirstSignerEmail,
		SecondSignerEmail:    r.SecondSignerEmail,
		FirstSignerSignedAt:  nullableTime(r.FirstSignerSignedAt),
		SecondSignerSignedAt: nullableTime(r.SecondSignerSignedAt),
		ProviderDocumentID:   r.ProviderDocumentID.String,
		SignPending:          r.SignPending,
		LastSigningError:     r.LastSigningError.String,
		LastCheckedAt:        nullableTime(r.LastCheckedAt),
		ExpiresAt:            fromMillis(r.ExpiresAt),
		CreatedAt:            fromMillis(r.CreatedAt),
		UpdatedAt:            fromMillis(r.UpdatedAt),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SheetRepo implements storage.SheetRepository on top of sqlx.
type SheetRepo struct {
	db *DB
}

// NewSheetRepo creates a new SQL sheet repository.
func NewSheetRepo(db *DB) *SheetRepo {
	return &SheetRepo{db: db}
}

// Create inserts a new sheet.
func (r *SheetRepo) Create(ctx context.Context, s *domain.Sheet) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	query := r.db.Rebind(`
		INSERT INTO sheets (` + sheetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.SurveyID,
		s.Title,
		string(s.Status),
		s.FirstSignerEmail,
		s.SecondSignerEmail,
		nullableMillis(s.FirstSignerSignedAt),
		nullableMillis(s.SecondSignerSignedAt),
		nullableString(s.ProviderDocumentID),
		boolInt(s.SignPending),
		nullableString(s.LastSigningError),
		nullableMillis(s.LastCheckedAt),
		toMillis(s.ExpiresAt),
		toMillis(s.CreatedAt),
		toMillis(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

func (r *SheetRepo) getBy(ctx context.Context, column, value string) (*domain.Sheet, error) {
	var row sheetRow
	query := r.db.Rebind(`SELECT ` + sheetColumns + ` FROM sheets WHERE ` + column + ` = ?`)
	err := r.db.GetContext(ctx, &row, query, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSheetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sheet: %w", err)
	}
	return row.toDomain(), nil
}

// Get retrieves a sheet by id.
func (r *SheetRepo) Get(ctx context.Context, id string) (*domain.Sheet, error) {
	return r.getBy(ctx, "id", id)
}

// GetByDocumentID retrieves a sheet by its provider document id.
func (r *SheetRepo) GetByDocumentID(ctx context.Context, documentID string) (*domain.Sheet, error) {
	if documentID == "" {
		return nil, storage.ErrSheetNotFound
	}
	return r.getBy(ctx, "provider_document_id", documentID)
}

func signedAtColumn(action domain.SigningAction) (string, error) {
	switch action {
	case domain.ActionFirstSigned:
		return "first_signer_signed_at", nil
	case domain.ActionSecondSigned:
		return "second_signer_signed_at", nil
	default:
		return "", fmt.Errorf("unsupported action %q", action)
	}
}

// ApplySignature performs the guarded signing update. Zero affected rows means
// the slot was already filled or the status moved on.
func (r *SheetRepo) ApplySignature(ctx context.Context, u storage.SignatureUpdate) (bool, error) {
	col, err := signedAtColumn(u.Action)
	if err != nil {
		return false, err
	}
	from := make([]string, len(u.From))
	for i, s := range u.From {
		from[i] = string(s)
	}

	query, args, err := sqlx.In(`
		UPDATE sheets
		SET `+col+` = ?, status = ?, sign_pending = 0, last_signing_error = NULL,
			last_checked_at = ?, updated_at = ?
		WHERE id = ? AND `+col+` IS NULL AND status IN (?)
			AND (status <> ? OR expires_at > ?)
	`,
		toMillis(u.SignedAt),
		string(u.To),
		toMillis(u.CheckedAt),
		toMillis(time.Now()),
		u.SheetID,
		from,
		string(domain.SheetStatusDraft),
		toMillis(u.CheckedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to build signature update: %w", err)
	}
	return r.execAffected(ctx, r.db.Rebind(query), args...)
}

func (r *SheetRepo) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update sheet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// Expire moves a DRAFT sheet whose expiry has passed to EXPIRED.
func (r *SheetRepo) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE sheets
		SET status = ?, sign_pending = 0, updated_at = ?
		WHERE id = ? AND status = ? AND expires_at <= ?
	`)
	return r.execAffected(ctx, query,
		string(domain.SheetStatusExpired),
		toMillis(now),
		id,
		string(domain.SheetStatusDraft),
		toMillis(now),
	)
}

// ExpireDue expires up to limit overdue DRAFT sheets, oldest expiry first.
func (r *SheetRepo) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.Rebind(`
		UPDATE sheets
		SET status = ?, sign_pending = 0, updated_at = ?
		WHERE status = ? AND id IN (
			SELECT id FROM sheets
			WHERE status = ? AND expires_at <= ?
			ORDER BY expires_at
			LIMIT ?
		)
	`)
	res, err := r.db.ExecContext(ctx, query,
		string(domain.SheetStatusExpired),
		toMillis(now),
		string(domain.SheetStatusDraft),
		string(domain.SheetStatusDraft),
		toMillis(now),
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sheets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// MarkSignPending claims a DRAFT sheet with no attached document. A pending
// flag stamped at or before staleBefore belongs to an abandoned request and
// can be claimed again.
func (r *SheetRepo) MarkSignPending(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE sheets
		SET sign_pending = 1, last_signing_error = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND provider_document_id IS NULL
			AND (sign_pending = 0 OR updated_at <= ?)
	`)
	return r.execAffected(ctx, query, toMillis(now), id, string(domain.SheetStatusDraft), toMillis(staleBefore))
}

// MarkSigningFailed clears the pending flag and records the failure.
func (r *SheetRepo) MarkSigningFailed(ctx context.Context, id string, msg string) error {
	query := r.db.Rebind(`
		UPDATE sheets
		SET sign_pending = 0, last_signing_error = ?, updated_at = ?
		WHERE id = ?
	`)
	ok, err := r.execAffected(ctx, query, nullableString(msg), toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrSheetNotFound
	}
	return nil
}

// AttachDocument sets provider_document_id if it is still NULL.
func (r *SheetRepo) AttachDocument(ctx context.Context, id string, documentID string) (bool, error) {
	query := r.db.Rebind(`
		UPDATE sheets
		SET provider_document_id = ?, updated_at = ?
		WHERE id = ? AND provider_document_id IS NULL
	`)
	return r.execAffected(ctx, query, documentID, toMillis(time.Now()), id)
}

// TouchChecked stamps last_checked_at.
func (r *SheetRepo) TouchChecked(ctx context.Context, id string, at time.Time) error {
	query := r.db.Rebind(`UPDATE sheets SET last_checked_at = ? WHERE id = ?`)
	ok, err := r.execAffected(ctx, query, toMillis(at), id)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrSheetNotFound
	}
	return nil
}

// CountByStatus returns sheet counts grouped by status.
func (r *SheetRepo) CountByStatus(ctx context.Context) (map[domain.SheetStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM sheets GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count sheets: %w", err)
	}
	counts := make(map[domain.SheetStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.SheetStatus(row.Status)] = row.Count
	}
	return counts, nil
}
