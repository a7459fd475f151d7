package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/db"
)

const linkColumns = `id, appointment_id, patient_id, amount, currency, status, token, payment_url,
	payment_ref, expires_at, paid_at, created_at, updated_at`

const reminderColumns = `id, appointment_id, payment_link_id, scheduled_for, status, attempt,
	last_error, sent_at, created_at, updated_at`

// PgStore runs the payment queries against a pool or a transaction.
type PgStore struct {
	q     db.DBTX
	audit audit.Writer
}

type PgRepository struct {
	*PgStore
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool, w audit.Writer) *PgRepository {
	return &PgRepository{
		PgStore: &PgStore{q: pool, audit: w},
		pool:    pool,
	}
}

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&PgStore{q: tx, audit: r.audit})
	})
}

func (s *PgStore) Appointments() appointment.Repository {
	return appointment.NewPgRepository(s.q)
}

func (s *PgStore) WriteAudit(ctx context.Context, e audit.Entry) error {
	return s.audit.WriteTx(ctx, s.q, e)
}

func scanLink(row pgx.Row) (*PaymentLink, error) {
	var l PaymentLink
	err := row.Scan(
		&l.ID,
		&l.AppointmentID,
		&l.PatientID,
		&l.Amount,
		&l.Currency,
		&l.Status,
		&l.Token,
		&l.PaymentURL,
		&l.PaymentRef,
		&l.ExpiresAt,
		&l.PaidAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentLinkNotFound
		}
		return nil, err
	}
	return &l, nil
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	var r Reminder
	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.PaymentLinkID,
		&r.ScheduledFor,
		&r.Status,
		&r.Attempt,
		&r.LastError,
		&r.SentAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectReminders(rows pgx.Rows) ([]Reminder, error) {
	defer rows.Close()

	result := []Reminder{}
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Rules

func (s *PgStore) InsertRule(ctx context.Context, r PaymentRule) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO appointment_payment_rules (
			appointment_id, requires_payment, payment_status, confirmation_status, created_by_role, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, r.AppointmentID, r.RequiresPayment, r.PaymentStatus, r.ConfirmationStatus, r.CreatedByRole)
	if err != nil {
		return fmt.Errorf("insert payment rule: %w", err)
	}
	return nil
}

func (s *PgStore) GetRule(ctx context.Context, appointmentID uuid.UUID) (*PaymentRule, error) {
	var r PaymentRule
	err := s.q.QueryRow(ctx, `
		SELECT appointment_id, requires_payment, payment_status, confirmation_status, created_by_role, created_at, updated_at
		FROM appointment_payment_rules
		WHERE appointment_id = $1
	`, appointmentID).Scan(
		&r.AppointmentID,
		&r.RequiresPayment,
		&r.PaymentStatus,
		&r.ConfirmationStatus,
		&r.CreatedByRole,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentRuleNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *PgStore) UpdateRule(ctx context.Context, appointmentID uuid.UUID, payment PaymentStatus, confirmation ConfirmationStatus) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointment_payment_rules
		SET payment_status = $2,
		    confirmation_status = $3,
		    updated_at = now()
		WHERE appointment_id = $1
	`, appointmentID, payment, confirmation)
	if err != nil {
		return fmt.Errorf("update payment rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentRuleNotFound
	}
	return nil
}

// Links

func (s *PgStore) InsertLink(ctx context.Context, l PaymentLink) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO payment_links (
			id, appointment_id, patient_id, amount, currency, status, token, payment_url,
			expires_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, l.ID, l.AppointmentID, l.PatientID, l.Amount, l.Currency, l.Status, l.Token, l.PaymentURL,
		l.ExpiresAt, l.CreatedAt)
	if err != nil {
		// id is fresh and token is the only other unique column
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("insert payment link: %w", ErrTokenCollision)
		}
		return fmt.Errorf("insert payment link: %w", err)
	}
	return nil
}

func (s *PgStore) GetLink(ctx context.Context, id uuid.UUID) (*PaymentLink, error) {
	row := s.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE id = $1`, id)
	return scanLink(row)
}

func (s *PgStore) LockLink(ctx context.Context, id uuid.UUID) (*PaymentLink, error) {
	row := s.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE id = $1 FOR UPDATE`, id)
	return scanLink(row)
}

func (s *PgStore) GetLinkByToken(ctx context.Context, token string) (*PaymentLink, error) {
	row := s.q.QueryRow(ctx, `SELECT `+linkColumns+` FROM payment_links WHERE token = $1`, token)
	return scanLink(row)
}

func (s *PgStore) UpdateLinkStatus(ctx context.Context, id uuid.UUID, from, to LinkStatus, change LinkChange) (*PaymentLink, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE payment_links
		SET status = $3,
		    paid_at = COALESCE($4, paid_at),
		    payment_ref = COALESCE($5, payment_ref),
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+linkColumns,
		id, from, to, change.PaidAt, change.PaymentRef,
	)
	l, err := scanLink(row)
	if errors.Is(err, ErrPaymentLinkNotFound) {
		return nil, ErrPaymentLinkNotPending
	}
	return l, err
}

func (s *PgStore) ListExpiredLinkIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id
		FROM payment_links
		WHERE status = 'pending'
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// Reminders

func (s *PgStore) InsertReminders(ctx context.Context, reminders []Reminder) error {
	batch := &pgx.Batch{}
	for _, r := range reminders {
		batch.Queue(`
			INSERT INTO scheduled_reminders (
				id, appointment_id, payment_link_id, scheduled_for, status, attempt, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, 0, now(), now())
		`, r.ID, r.AppointmentID, r.PaymentLinkID, r.ScheduledFor, r.Status)
	}

	br := s.q.SendBatch(ctx, batch)
	defer br.Close()

	for range reminders {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return br.Close()
}

func (s *PgStore) ListReminders(ctx context.Context, linkID uuid.UUID) ([]Reminder, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM scheduled_reminders
		WHERE payment_link_id = $1
		ORDER BY scheduled_for
	`, linkID)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

func (s *PgStore) ClaimDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM scheduled_reminders
		WHERE status = 'pending'
		  AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

func (s *PgStore) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE scheduled_reminders
		SET status = 'sent',
		    sent_at = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, at)
	return err
}

func (s *PgStore) MarkReminderCancelled(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `
		UPDATE scheduled_reminders
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (s *PgStore) MarkReminderFailed(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	status := ReminderFailed
	if retryAt != nil {
		status = ReminderPending
	}
	_, err := s.q.Exec(ctx, `
		UPDATE scheduled_reminders
		SET status = $2,
		    attempt = attempt + 1,
		    last_error = $3,
		    scheduled_for = COALESCE($4, scheduled_for),
		    updated_at = now()
		WHERE id = $1
	`, id, status, errMsg, retryAt)
	return err
}

func (s *PgStore) CancelPendingReminders(ctx context.Context, linkID uuid.UUID) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE scheduled_reminders
		SET status = 'cancelled',
		    updated_at = now()
		WHERE payment_link_id = $1
		  AND status = 'pending'
	`, linkID)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders: %w", err)
	}
	return tag.RowsAffected(), nil
}
