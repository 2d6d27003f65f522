package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to voice_audit_events. The table carries
// an INSERT-only policy; no update or delete statements exist here.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
		INSERT INTO voice_audit_events
			(id, type, installation_id, conversation_id, leg_id, ip_address, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type),
		nullIfEmpty(e.InstallationID), nullIfEmpty(e.ConversationID), nullIfEmpty(e.LegID),
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.Message), nullIfEmpty(e.Metadata),
		e.CreatedAt,
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
