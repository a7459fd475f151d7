package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusScheduled      Status = "scheduled"
	StatusConfirmed      Status = "confirmed"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// ActiveStatuses hold a slot on the doctor's calendar.
var ActiveStatuses = []Status{StatusPendingPayment, StatusScheduled, StatusConfirmed}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Active() bool {
	return s == StatusPendingPayment || s == StatusScheduled || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is allowed for a caller-driven
// change. Statuses only move forward; cancelled is reachable from every
// non-terminal status. pending_payment -> confirmed is not listed: only a
// validated payment makes that move, through Repository.TransitionStatus.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusConfirmed:
		return from == StatusScheduled
	case StatusCompleted:
		return from == StatusConfirmed
	}
	return false
}

type Type string

const (
	TypeVideo Type = "video"
	TypePhone Type = "phone"
	TypeChat  Type = "chat"
)

func (t Type) Valid() bool {
	return t == TypeVideo || t == TypePhone || t == TypeChat
}

type Role string

const (
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleSecretary Role = "secretary"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleSecretary, RoleAdmin:
		return true
	}
	return false
}

// IsStaff is true for the roles that book on behalf of a patient.
func (r Role) IsStaff() bool {
	return r == RoleDoctor || r == RoleSecretary
}

// Actor is whoever performs a mutation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Patient struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Doctor struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Specialty       *string         `json:"specialty,omitempty"`
	Email           *string         `json:"email,omitempty"`
	ConsultationFee decimal.Decimal `json:"consultation_fee"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Appointment struct {
	ID              uuid.UUID       `json:"id"`
	PatientID       uuid.UUID       `json:"patient_id"`
	DoctorID        uuid.UUID       `json:"doctor_id"`
	PatientName     string          `json:"patient_name"`
	DoctorName      string          `json:"doctor_name"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	DurationMinutes int             `json:"duration_minutes"`
	Type            Type            `json:"type"`
	Status          Status          `json:"status"`
	Fee             decimal.Decimal `json:"fee"`
	Currency        string          `json:"currency"`
	Notes           string          `json:"notes"`
	CreatedBy       uuid.UUID       `json:"created_by"`
	CreatedByRole   Role            `json:"created_by_role"`
	Version         int             `json:"version"`
	LastModifiedBy  *uuid.UUID      `json:"last_modified_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
}

func (a Appointment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

func (a Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(a.Duration())
}

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Back-to-back appointments do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// ListFilter narrows appointment listings. Zero values mean "any".
type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Statuses  []Status
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func (f ListFilter) snapshotFields() map[string]string {
	out := map[string]string{}
	if f.DoctorID != nil {
		out["doctor_id"] = f.DoctorID.String()
	}
	if f.PatientID != nil {
		out["patient_id"] = f.PatientID.String()
	}
	if len(f.Statuses) > 0 {
		parts := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			parts[i] = string(st)
		}
		out["status"] = strings.Join(parts, ",")
	}
	if f.From != nil {
		out["from"] = f.From.UTC().Format(time.RFC3339)
	}
	if f.To != nil {
		out["to"] = f.To.UTC().Format(time.RFC3339)
	}
	return out
}
