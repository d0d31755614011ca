package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, seller_id, amount_cents, status, customer_action,
			verification_start, verification_end, action_date,
			released_at, released_by, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14
		)`,
		rec.ID, rec.OrderID, rec.SellerID, rec.AmountCents,
		string(rec.Status), string(rec.CustomerAction),
		nullTime(rec.VerificationStart), nullTime(rec.VerificationEnd), nullTime(rec.ActionDate),
		nullTime(rec.ReleasedAt), nullString(rec.ReleasedBy), nullString(rec.Notes),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return ErrEscrowExists
	}
	return err
}

const escrowColumns = `id, order_id, seller_id, amount_cents, status, customer_action,
		       verification_start, verification_end, action_date,
		       released_at, released_by, notes, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return rec, err
}

func (p *PostgresStore) GetByOrderSeller(ctx context.Context, orderID, sellerID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE order_id = $1 AND seller_id = $2`, orderID, sellerID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return rec, err
}

// UpdateIf is the conditional transition write: the UPDATE only lands when
// the stored status still matches from. Zero rows affected means either the
// record is gone or another writer transitioned it first.
func (p *PostgresStore) UpdateIf(ctx context.Context, rec *Record, from Status) error {
	if from == StatusReleased {
		return ErrAlreadyReleased
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, customer_action = $2,
			verification_start = $3, verification_end = $4, action_date = $5,
			released_at = $6, released_by = $7, notes = $8, updated_at = $9
		WHERE id = $10 AND status = $11`,
		string(rec.Status), string(rec.CustomerAction),
		nullTime(rec.VerificationStart), nullTime(rec.VerificationEnd), nullTime(rec.ActionDate),
		nullTime(rec.ReleasedAt), nullString(rec.ReleasedBy), nullString(rec.Notes), rec.UpdatedAt,
		rec.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, rec.ID); getErr != nil {
			return getErr
		}
		return ErrTransitionConflict
	}
	return nil
}

func (p *PostgresStore) DeleteIf(ctx context.Context, id string, from Status) error {
	if from == StatusReleased {
		return ErrAlreadyReleased
	}

	result, err := p.db.ExecContext(ctx,
		`DELETE FROM escrows WHERE id = $1 AND status = $2`, id, string(from))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTransitionConflict
	}
	return nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE order_id = $1
		ORDER BY seller_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE seller_id = $1`
	args := []interface{}{sellerID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'verification'
		  AND verification_end <= $1
		ORDER BY verification_end
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var status, action string
	var verStart, verEnd, actionDate, releasedAt sql.NullTime
	var releasedBy, notes sql.NullString

	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.SellerID, &rec.AmountCents, &status, &action,
		&verStart, &verEnd, &actionDate,
		&releasedAt, &releasedBy, &notes, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.CustomerAction = CustomerAction(action)
	rec.VerificationStart = timePtr(verStart)
	rec.VerificationEnd = timePtr(verEnd)
	rec.ActionDate = timePtr(actionDate)
	rec.ReleasedAt = timePtr(releasedAt)
	rec.ReleasedBy = releasedBy.String
	rec.Notes = notes.String
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
