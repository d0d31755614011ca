package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists notification subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	if sub.Events == nil {
		eventsJSON = []byte("[]")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notification_subscriptions (
			id, recipient_type, recipient_id, url, secret, events, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.RecipientType, sub.RecipientID, sub.URL, sub.Secret,
		eventsJSON, sub.Active, sub.CreatedAt,
	)
	return err
}

const subColumns = `id, recipient_type, recipient_id, url, secret, events, active,
		       created_at, last_success, last_error`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM notification_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found")
	}
	return sub, err
}

func (p *PostgresStore) ListByRecipient(ctx context.Context, recipientType, recipientID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+`
		FROM notification_subscriptions
		WHERE recipient_type = $1 AND recipient_id = $2
		ORDER BY created_at`, recipientType, recipientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	if sub.Events == nil {
		eventsJSON = []byte("[]")
	}

	_, err = p.db.ExecContext(ctx, `
		UPDATE notification_subscriptions SET
			url = $1, events = $2, active = $3, last_success = $4, last_error = $5
		WHERE id = $6`,
		sub.URL, eventsJSON, sub.Active, sub.LastSuccess, nullIfEmpty(sub.LastError), sub.ID,
	)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notification_subscriptions WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	err := row.Scan(&sub.ID, &sub.RecipientType, &sub.RecipientID, &sub.URL, &sub.Secret,
		&eventsJSON, &sub.Active, &sub.CreatedAt, &lastSuccess, &lastError)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return sub, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
