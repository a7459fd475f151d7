package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telemed-booking/internal/appointment"
)

type LinkStatus string

const (
	LinkPending LinkStatus = "pending"
	LinkPaid    LinkStatus = "paid"
	LinkFailed  LinkStatus = "failed"
	LinkExpired LinkStatus = "expired"
)

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderCancelled ReminderStatus = "cancelled"
	ReminderFailed    ReminderStatus = "failed"
)

// PaymentStatus and ConfirmationStatus mirror the link and the appointment on
// the per appointment rule row.
type PaymentStatus string

const (
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentExpired     PaymentStatus = "expired"
)

type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationCancelled ConfirmationStatus = "cancelled"
)

// SystemActor is recorded for changes made by background jobs.
var SystemActor = appointment.Actor{ID: uuid.Nil, Role: "system"}

type PaymentLink struct {
	ID            uuid.UUID       `json:"id"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	PatientID     uuid.UUID       `json:"patient_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        LinkStatus      `json:"status"`
	Token         string          `json:"-"`
	PaymentURL    string          `json:"payment_url"`
	PaymentRef    *string         `json:"payment_ref,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Expired is true strictly after ExpiresAt.
func (l PaymentLink) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

type PaymentRule struct {
	AppointmentID      uuid.UUID          `json:"appointment_id"`
	RequiresPayment    bool               `json:"requires_payment"`
	PaymentStatus      PaymentStatus      `json:"payment_status"`
	ConfirmationStatus ConfirmationStatus `json:"confirmation_status"`
	CreatedByRole      appointment.Role   `json:"created_by_role"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type Reminder struct {
	ID            uuid.UUID      `json:"id"`
	AppointmentID uuid.UUID      `json:"appointment_id"`
	PaymentLinkID uuid.UUID      `json:"payment_link_id"`
	ScheduledFor  time.Time      `json:"scheduled_for"`
	Status        ReminderStatus `json:"status"`
	Attempt       int            `json:"attempt"`
	LastError     *string        `json:"last_error,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RequiresPayment is true when staff books on a patient's behalf. Patients
// booking for themselves are confirmed without a payment link.
func RequiresPayment(role appointment.Role) bool {
	return role.IsStaff()
}
