package installs

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresRepo stores installation metadata.
//
// Schema assumption:
// - installations(installation_id PRIMARY KEY, name, shared_secret,
//   webhook_base_url, active, created_at, updated_at)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindByInstallationID(ctx context.Context, installationID string) (Installation, error) {
	const q = `
SELECT installation_id, name, shared_secret, COALESCE(webhook_base_url, ''), active, created_at, updated_at
FROM installations
WHERE installation_id = $1
`
	var inst Installation
	err := r.db.QueryRowContext(ctx, q, installationID).Scan(
		&inst.InstallationID,
		&inst.Name,
		&inst.SharedSecret,
		&inst.WebhookBaseURL,
		&inst.Active,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Installation{}, ErrNotFound
		}
		return Installation{}, err
	}
	return inst, nil
}

func (r *PostgresRepo) Insert(ctx context.Context, inst Installation) error {
	const q = `
INSERT INTO installations (installation_id, name, shared_secret, webhook_base_url, active, created_at, updated_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q,
		inst.InstallationID, inst.Name, inst.SharedSecret,
		inst.WebhookBaseURL, inst.Active, inst.CreatedAt, inst.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) Update(ctx context.Context, inst Installation) error {
	const q = `
UPDATE installations
SET name = $2, shared_secret = $3, webhook_base_url = NULLIF($4, ''), active = $5, updated_at = $6
WHERE installation_id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		inst.InstallationID, inst.Name, inst.SharedSecret,
		inst.WebhookBaseURL, inst.Active, inst.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
