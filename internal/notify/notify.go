// Package notify hands outbound messages (payment links, reminders, staff
// notices) to a delivery channel. Rendering and actual e-mail/SMS sending
// happen downstream of the queue.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	KindPaymentLink     Kind = "payment_link"
	KindPaymentReminder Kind = "payment_reminder"
	KindStaffNotice     Kind = "staff_notification"
	KindBookingExpired  Kind = "booking_expired"
)

type Message struct {
	ID            uuid.UUID         `json:"id"`
	Kind          Kind              `json:"kind"`
	RecipientID   uuid.UUID         `json:"recipient_id"`
	RecipientRole string            `json:"recipient_role"`
	AppointmentID uuid.UUID         `json:"appointment_id"`
	Subject       string            `json:"subject"`
	Data          map[string]string `json:"data,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

func stamp(msg Message) Message {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

// LogDispatcher only logs. It is used when no broker is configured.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) error {
	msg = stamp(msg)
	d.log.Info("notification",
		zap.String("id", msg.ID.String()),
		zap.String("kind", string(msg.Kind)),
		zap.String("recipient_id", msg.RecipientID.String()),
		zap.String("recipient_role", msg.RecipientRole),
		zap.String("appointment_id", msg.AppointmentID.String()),
		zap.String("subject", msg.Subject),
		zap.Any("data", msg.Data),
	)
	return nil
}
