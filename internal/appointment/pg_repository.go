package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/telemed-booking/internal/db"
)

const appointmentColumns = `id, patient_id, doctor_id, patient_name, doctor_name, scheduled_at,
	duration_minutes, type, status, fee, currency, notes, created_by, created_by_role,
	version, last_modified_by, created_at, updated_at, cancelled_at, cancel_reason`

type PgRepository struct {
	q db.DBTX
}

// NewPgRepository accepts a pool or a transaction, so the payment workflow
// can run appointment updates inside its own transaction.
func NewPgRepository(q db.DBTX) *PgRepository {
	return &PgRepository{q: q}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.Email,
		&d.ConsultationFee,
		&d.Active,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.PatientName,
		&a.DoctorName,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Type,
		&a.Status,
		&a.Fee,
		&a.Currency,
		&a.Notes,
		&a.CreatedBy,
		&a.CreatedByRole,
		&a.Version,
		&a.LastModifiedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancelledAt,
		&a.CancelReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func activeStatusArgs() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, name, specialty, email, consultation_fee, active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) ListDoctors(ctx context.Context, activeOnly bool) ([]Doctor, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, name, specialty, email, consultation_fee, active, created_at, updated_at
		FROM doctors
		WHERE ($1 = false OR active)
		ORDER BY name
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Doctor{}
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) SetDoctorActive(ctx context.Context, id uuid.UUID, active bool) (*Doctor, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE doctors
		SET active = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, name, specialty, email, consultation_fee, active, created_at, updated_at
	`, id, active)
	return scanDoctor(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var where []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.DoctorID != nil {
		where = append(where, "doctor_id = "+arg(*f.DoctorID))
	}
	if f.PatientID != nil {
		where = append(where, "patient_id = "+arg(*f.PatientID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.From != nil {
		where = append(where, "scheduled_at >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "scheduled_at < "+arg(*f.To))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + appointmentColumns + " FROM appointments")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY scheduled_at, id")
	sb.WriteString(" LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset))

	rows, err := r.q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindActiveForDoctorBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND scheduled_at >= $2
		  AND scheduled_at <= $3
		  AND status = ANY($4)
		ORDER BY scheduled_at
	`, doctorID, from, to, activeStatusArgs())
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.q.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, doctor_id, patient_name, doctor_name, scheduled_at,
			duration_minutes, type, status, fee, currency, notes, created_by, created_by_role,
			ends_at, version, last_modified_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $13, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.DoctorID, a.PatientName, a.DoctorName, a.ScheduledAt,
		a.DurationMinutes, a.Type, a.Status, a.Fee, a.Currency, a.Notes, a.CreatedBy, a.CreatedByRole,
		a.EndsAt(),
	)

	created, err := scanAppointment(row)
	if err != nil {
		if db.IsExclusionViolation(err) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a Appointment, expectedVersion int) (*Appointment, error) {
	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_at = $3,
		    duration_minutes = $4,
		    type = $5,
		    notes = $6,
		    status = $7,
		    last_modified_by = $8,
		    cancelled_at = $9,
		    cancel_reason = $10,
		    ends_at = $11,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
		RETURNING `+appointmentColumns,
		a.ID, expectedVersion, a.ScheduledAt, a.DurationMinutes, a.Type, a.Notes, a.Status,
		a.LastModifiedBy, a.CancelledAt, a.CancelReason, a.EndsAt(),
	)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrVersionConflict
		}
		if db.IsExclusionViolation(err) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status, change StatusChange) (*Appointment, error) {
	var cancelledAt *time.Time
	if to == StatusCancelled {
		at := change.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		cancelledAt = &at
	}

	row := r.q.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    last_modified_by = $4,
		    cancelled_at = COALESCE($5, cancelled_at),
		    cancel_reason = COALESCE($6, cancel_reason),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, change.ModifiedBy, cancelledAt, change.Reason,
	)

	return scanAppointment(row)
}
