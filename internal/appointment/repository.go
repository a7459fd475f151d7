package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListDoctors(ctx context.Context, activeOnly bool) ([]Doctor, error)
	SetDoctorActive(ctx context.Context, id uuid.UUID, active bool) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// For conflict checks: active appointments of one doctor starting in [from, to].
	FindActiveForDoctorBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)

	// Creation and updates. InsertAppointment returns ErrSlotConflict when the
	// store itself rejects an overlap.
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	// UpdateAppointment writes a only if the stored version still equals
	// expectedVersion, bumping it by one. ErrVersionConflict otherwise.
	UpdateAppointment(ctx context.Context, a Appointment, expectedVersion int) (*Appointment, error)
	// TransitionStatus moves id from -> to only if it is still in from.
	// ErrAppointmentNotFound when no row matched.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) (*Appointment, error)
}

// StatusChange carries the audit columns written alongside a status move.
type StatusChange struct {
	ModifiedBy uuid.UUID
	Reason     *string
	At         time.Time
}
