package stock

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists stock entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed stock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, productID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT product_id, quantity, version, is_active, updated_at
		FROM product_stock
		WHERE product_id = $1`, productID)

	e := &Entry{}
	err := row.Scan(&e.ProductID, &e.Quantity, &e.Version, &e.Active, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	return e, err
}

func (p *PostgresStore) Put(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO product_stock (product_id, quantity, version, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			version = product_stock.version + 1,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at`,
		e.ProductID, e.Quantity, e.Version, e.Active, e.UpdatedAt,
	)
	return err
}

// UpdateQuantity is the conditional write: the UPDATE only lands when the
// stored version still matches, and the table-level CHECK (quantity >= 0)
// backs the non-negative invariant at the data layer.
func (p *PostgresStore) UpdateQuantity(ctx context.Context, productID string, newQuantity, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE product_stock
		SET quantity = $2, version = version + 1, updated_at = now()
		WHERE product_id = $1 AND version = $3`,
		productID, newQuantity, expectedVersion,
	)
	if err != nil {
		// A CHECK violation means a concurrent writer got there first and the
		// caller's snapshot is stale; treat it like a conflict so the retry
		// loop reloads and re-evaluates availability.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "check_violation" {
			return ErrVersionConflict
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
