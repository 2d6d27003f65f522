package crm

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresDirectory reads the CRM's own tables. Lookups only; the CRM owns
// these rows and their schema.
//
// Schema assumptions:
// - operators(id, endpoint_type, endpoint, active)
// - contacts(id, phone_number, active)
// - campaigns(id, active)
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Operator(ctx context.Context, operatorID string) (Operator, error) {
	const q = `SELECT id, endpoint_type, endpoint FROM operators WHERE id = $1 AND active`
	var op Operator
	if err := d.db.QueryRowContext(ctx, q, operatorID).Scan(&op.ID, &op.EndpointType, &op.Endpoint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Operator{}, ErrNotFound
		}
		return Operator{}, err
	}
	return op, nil
}

func (d *PostgresDirectory) Contact(ctx context.Context, contactID string) (Contact, error) {
	const q = `SELECT id, phone_number FROM contacts WHERE id = $1 AND active`
	var c Contact
	if err := d.db.QueryRowContext(ctx, q, contactID).Scan(&c.ID, &c.PhoneNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}
	return c, nil
}

func (d *PostgresDirectory) CampaignExists(ctx context.Context, campaignID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1 AND active)`
	var ok bool
	if err := d.db.QueryRowContext(ctx, q, campaignID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
