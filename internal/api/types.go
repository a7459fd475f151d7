package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/telemed-booking/internal/payment"
)

// CreateAppointmentRequest is the body of POST /appointments and POST /bookings.
type CreateAppointmentRequest struct {
	PatientID       string    `json:"patient_id" validate:"required,uuid"`
	DoctorID        string    `json:"doctor_id" validate:"required,uuid"`
	ScheduledAt     time.Time `json:"scheduled_at" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1,max=240"`
	Type            string    `json:"type" validate:"required,oneof=video phone chat"`
	Notes           string    `json:"notes" validate:"max=2000"`
}

// UpdateAppointmentRequest is a partial update. Version is the version the
// client intends to write: the one it read plus one.
type UpdateAppointmentRequest struct {
	Version         int        `json:"version" validate:"required,min=1"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	DurationMinutes *int       `json:"duration_minutes" validate:"omitempty,min=1,max=240"`
	Type            *string    `json:"type" validate:"omitempty,oneof=video phone chat"`
	Notes           *string    `json:"notes" validate:"omitempty,max=2000"`
	Status          *string    `json:"status" validate:"omitempty,oneof=pending_payment scheduled confirmed completed cancelled"`
	CancelReason    *string    `json:"cancel_reason" validate:"omitempty,max=500"`
}

type SetDoctorActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type ValidatePaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	PaymentRef string          `json:"payment_ref" validate:"max=200"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID   `json:"doctor_id"`
	Date     string      `json:"date"`
	Slots    []time.Time `json:"slots"`
}

// PublicPaymentLinkResponse is what the holder of a payment token may see.
type PublicPaymentLinkResponse struct {
	ID            uuid.UUID          `json:"id"`
	AppointmentID uuid.UUID          `json:"appointment_id"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency"`
	Status        payment.LinkStatus `json:"status"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Expired       bool               `json:"expired"`
}

type PaymentLinkResponse struct {
	*payment.PaymentLink
	Reminders []payment.Reminder `json:"reminders"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
