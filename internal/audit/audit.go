// Package audit records who changed what. Entries are append-only; nothing in
// this service updates or deletes a row in audit_logs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/db"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actions written by the booking and payment services.
const (
	ActionAppointmentCreated   = "appointment.created"
	ActionAppointmentUpdated   = "appointment.updated"
	ActionAppointmentConfirmed = "appointment.confirmed"
	ActionAppointmentCompleted = "appointment.completed"
	ActionAppointmentCancelled = "appointment.cancelled"
	ActionPaymentLinkCreated   = "payment_link.created"
	ActionPaymentLinkExpired   = "payment_link.expired"
	ActionPaymentValidated     = "payment.validated"
	ActionReminderSent         = "payment_reminder.sent"
	ActionDoctorUpdated        = "doctor.updated"
)

type Entry struct {
	ActorID      *uuid.UUID
	ActorRole    string
	Action       string
	ResourceType string
	ResourceID   uuid.UUID
	Outcome      Outcome
	Details      map[string]any
	CreatedAt    time.Time
}

// Writer appends audit entries. Implementations must be safe for concurrent use.
type Writer interface {
	Write(ctx context.Context, e Entry) error
	// WriteTx appends the entry through q so it commits or rolls back with
	// the caller's transaction.
	WriteTx(ctx context.Context, q db.DBTX, e Entry) error
}

type PgWriter struct {
	q db.DBTX
}

func NewPgWriter(q db.DBTX) *PgWriter {
	return &PgWriter{q: q}
}

func (w *PgWriter) Write(ctx context.Context, e Entry) error {
	return w.WriteTx(ctx, w.q, e)
}

func (w *PgWriter) WriteTx(ctx context.Context, q db.DBTX, e Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = b
	}

	outcome := e.Outcome
	if outcome == "" {
		outcome = OutcomeSuccess
	}

	_, err := q.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, actor_role, action, resource_type, resource_id, outcome, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`, e.ActorID, nullableString(e.ActorRole), e.Action, e.ResourceType, e.ResourceID, string(outcome), details, nullableTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// Record writes e and only logs a failure. Mutations that already committed
// must not be reported as failed because the audit side write did not land.
func Record(ctx context.Context, w Writer, log *zap.Logger, e Entry) {
	if err := w.Write(ctx, e); err != nil {
		log.Error("audit write failed",
			zap.String("action", e.Action),
			zap.String("resource_id", e.ResourceID.String()),
			zap.Error(err),
		)
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
