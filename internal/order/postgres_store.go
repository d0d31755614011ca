package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/abdulrehman-75/SE-marketplace-project-semester3-sub002/internal/pagination"
)

// PostgresStore persists orders and line items in PostgreSQL.
// Order and items are written in one transaction; items are replaced
// wholesale on update, which keeps the reservation ledger flags in lockstep
// with the order row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, status, payment_status, subtotal_cents, fee_cents,
			total_cents, payment_ref, cancel_reason, delivered_at, completed_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.CustomerID, string(o.Status), string(o.PaymentStatus),
		o.SubtotalCents, o.FeeCents, o.TotalCents,
		nullStr(o.PaymentRef), nullStr(o.CancelReason),
		nullTs(o.DeliveredAt), nullTs(o.CompletedAt), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertItems(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, payment_status = $2, subtotal_cents = $3, fee_cents = $4,
			total_cents = $5, payment_ref = $6, cancel_reason = $7,
			delivered_at = $8, completed_at = $9, updated_at = $10
		WHERE id = $11`,
		string(o.Status), string(o.PaymentStatus), o.SubtotalCents, o.FeeCents,
		o.TotalCents, nullStr(o.PaymentRef), nullStr(o.CancelReason),
		nullTs(o.DeliveredAt), nullTs(o.CompletedAt), o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, o.ID); err != nil {
		return err
	}
	if err := insertItems(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func insertItems(ctx context.Context, tx *sql.Tx, o *Order) error {
	for i := range o.Items {
		item := &o.Items[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, position, product_id, seller_id, quantity,
				unit_price_cents, reserved, released, confirmed
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			o.ID, i, item.ProductID, item.SellerID, item.Quantity,
			item.UnitPriceCents, item.Reserved, item.Released, item.Confirmed,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %s: %w", item.ProductID, err)
		}
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, customer_id, status, payment_status, subtotal_cents, fee_cents,
		       total_cents, payment_ref, cancel_reason, delivered_at, completed_at,
		       created_at, updated_at
		FROM orders
		WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := p.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	query := `
		SELECT id, customer_id, status, payment_status, subtotal_cents, fee_cents,
		       total_cents, payment_ref, cancel_reason, delivered_at, completed_at,
		       created_at, updated_at
		FROM orders
		WHERE customer_id = $1`
	args := []interface{}{customerID}
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

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range result {
		if err := p.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) loadItems(ctx context.Context, o *Order) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT product_id, seller_id, quantity, unit_price_cents, reserved, released, confirmed
		FROM order_items
		WHERE order_id = $1
		ORDER BY position`, o.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item LineItem
		err := rows.Scan(&item.ProductID, &item.SellerID, &item.Quantity,
			&item.UnitPriceCents, &item.Reserved, &item.Released, &item.Confirmed)
		if err != nil {
			return err
		}
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var status, paymentStatus string
	var paymentRef, cancelReason sql.NullString
	var deliveredAt, completedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.CustomerID, &status, &paymentStatus,
		&o.SubtotalCents, &o.FeeCents, &o.TotalCents,
		&paymentRef, &cancelReason, &deliveredAt, &completedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	o.PaymentRef = paymentRef.String
	o.CancelReason = cancelReason.String
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return o, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTs(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
