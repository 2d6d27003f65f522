package calls

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"crm-voice/pkg/utils"
)

// PostgresLedger stores call legs in the voice_call_legs table.
//
// Schema assumptions:
// - voice_call_legs(leg_id PRIMARY KEY, conversation_id, role, direction,
//   status, from_type, from_number, to_type, to_number, rate, price,
//   duration_seconds, started_at, ended_at, network, answer_webhook_url,
//   event_webhook_url, error_title, error_detail, operator_id, campaign_id,
//   contact_id, created_at, updated_at)
// - Index on conversation_id and on each CRM correlation key.
//
// ApplyTransition locks the row (SELECT ... FOR UPDATE) so concurrent events
// for the same leg serialize at the database even across processes.
type PostgresLedger struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, clock: time.Now}
}

const legColumns = `
leg_id, conversation_id, role, direction, status,
from_type, from_number, to_type, to_number,
rate, price, duration_seconds, started_at, ended_at, network,
answer_webhook_url, event_webhook_url, error_title, error_detail,
operator_id, campaign_id, contact_id, created_at, updated_at`

func (l *PostgresLedger) Create(ctx context.Context, leg CallLeg) error {
	if leg.LegID == "" || leg.ConversationID == "" || !leg.Status.Valid() {
		return ErrInvalidArgument
	}

	now := l.clock().UTC()
	if leg.CreatedAt.IsZero() {
		leg.CreatedAt = now
	}
	if leg.UpdatedAt.IsZero() {
		leg.UpdatedAt = now
	}

	const q = `
INSERT INTO voice_call_legs (` + legColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
ON CONFLICT (leg_id) DO NOTHING
`
	res, err := l.db.ExecContext(ctx, q,
		leg.LegID, leg.ConversationID, leg.Role, leg.Direction, leg.Status,
		leg.From.Type, leg.From.Number, leg.To.Type, leg.To.Number,
		nullIfEmpty(leg.Rate), nullIfEmpty(leg.Price), leg.DurationSeconds,
		leg.StartedAt, leg.EndedAt, nullIfEmpty(leg.Network),
		nullIfEmpty(leg.AnswerWebhookURL), nullIfEmpty(leg.EventWebhookURL),
		nullIfEmpty(leg.ErrorTitle), nullIfEmpty(leg.ErrorDetail),
		nullIfEmpty(leg.OperatorID), nullIfEmpty(leg.CampaignID), nullIfEmpty(leg.ContactID),
		leg.CreatedAt, leg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (l *PostgresLedger) ApplyTransition(ctx context.Context, legID string, next LegStatus, fields TransitionFields) (CallLeg, error) {
	if legID == "" || !next.Valid() {
		return CallLeg{}, ErrInvalidArgument
	}

	var out CallLeg
	err := utils.WithTx(ctx, l.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		leg, err := lockLeg(ctx, tx, legID)
		if err != nil {
			return err
		}
		if !CanTransition(leg.Status, next) {
			out = leg
			return ErrInvalidTransition
		}

		applyTransitionFields(&leg, next, fields, l.clock().UTC())

		const q = `
UPDATE voice_call_legs SET
  status = $2, rate = $3, price = $4, duration_seconds = $5,
  started_at = $6, ended_at = $7, network = $8,
  error_title = $9, error_detail = $10, updated_at = $11
WHERE leg_id = $1
`
		if _, err := tx.ExecContext(ctx, q,
			leg.LegID, leg.Status,
			nullIfEmpty(leg.Rate), nullIfEmpty(leg.Price), leg.DurationSeconds,
			leg.StartedAt, leg.EndedAt, nullIfEmpty(leg.Network),
			nullIfEmpty(leg.ErrorTitle), nullIfEmpty(leg.ErrorDetail),
			leg.UpdatedAt,
		); err != nil {
			return err
		}
		out = leg
		return nil
	})
	return out, err
}

func (l *PostgresLedger) FindByLeg(ctx context.Context, legID string) (CallLeg, error) {
	const q = `SELECT ` + legColumns + ` FROM voice_call_legs WHERE leg_id = $1`
	return scanLeg(l.db.QueryRowContext(ctx, q, legID))
}

func (l *PostgresLedger) FindByConversation(ctx context.Context, conversationID string) ([]CallLeg, error) {
	if conversationID == "" {
		return nil, ErrInvalidArgument
	}
	const q = `SELECT ` + legColumns + `
FROM voice_call_legs
WHERE conversation_id = $1
ORDER BY created_at, leg_id`
	rows, err := l.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLegs(rows)
}

func (l *PostgresLedger) FindByCrmKeys(ctx context.Context, filter CrmFilter, page Page) ([]CallLeg, error) {
	if filter.Empty() {
		return nil, ErrInvalidArgument
	}
	page = page.withDefaults()

	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	add("operator_id", filter.OperatorID)
	add("campaign_id", filter.CampaignID)
	add("contact_id", filter.ContactID)

	args = append(args, page.Limit, page.Offset)
	q := `SELECT ` + legColumns + `
FROM voice_call_legs
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY created_at DESC, leg_id
LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLegs(rows)
}

func lockLeg(ctx context.Context, tx *sql.Tx, legID string) (CallLeg, error) {
	const q = `SELECT ` + legColumns + ` FROM voice_call_legs WHERE leg_id = $1 FOR UPDATE`
	return scanLeg(tx.QueryRowContext(ctx, q, legID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLeg(row rowScanner) (CallLeg, error) {
	var (
		leg                                        CallLeg
		rate, price, network                       sql.NullString
		answerURL, eventURL                        sql.NullString
		errTitle, errDetail                        sql.NullString
		operatorID, campaignID, contactID          sql.NullString
		startedAt, endedAt                         sql.NullTime
	)
	err := row.Scan(
		&leg.LegID, &leg.ConversationID, &leg.Role, &leg.Direction, &leg.Status,
		&leg.From.Type, &leg.From.Number, &leg.To.Type, &leg.To.Number,
		&rate, &price, &leg.DurationSeconds, &startedAt, &endedAt, &network,
		&answerURL, &eventURL, &errTitle, &errDetail,
		&operatorID, &campaignID, &contactID, &leg.CreatedAt, &leg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallLeg{}, ErrNotFound
		}
		return CallLeg{}, err
	}
	leg.Rate = rate.String
	leg.Price = price.String
	leg.Network = network.String
	leg.AnswerWebhookURL = answerURL.String
	leg.EventWebhookURL = eventURL.String
	leg.ErrorTitle = errTitle.String
	leg.ErrorDetail = errDetail.String
	leg.OperatorID = operatorID.String
	leg.CampaignID = campaignID.String
	leg.ContactID = contactID.String
	if startedAt.Valid {
		t := startedAt.Time
		leg.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		leg.EndedAt = &t
	}
	return leg, nil
}

func collectLegs(rows *sql.Rows) ([]CallLeg, error) {
	var out []CallLeg
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, leg)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
