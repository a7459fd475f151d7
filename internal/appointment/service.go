package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/realtime"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
)

// MaxDurationMinutes bounds a single appointment. The conflict scan window is
// never smaller than this, otherwise a long appointment starting before the
// window could go unseen.
const MaxDurationMinutes = 240

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	ErrSlotConflict            = errors.New("time slot overlaps an existing appointment")
	ErrVersionConflict         = errors.New("appointment was modified by someone else")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidAppointment      = errors.New("invalid appointment")
	ErrDoctorInactive          = errors.New("doctor is not accepting appointments")
	ErrDoctorBusy              = errors.New("doctor schedule is being modified, please retry")
	ErrAppointmentClosed       = errors.New("appointment is completed or cancelled")
)

type Deps struct {
	Repo    Repository
	Locker  redisclient.Locker
	Audit   audit.Writer
	Events  realtime.Publisher
	Watcher *realtime.Watcher
	Log     *zap.Logger
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	audit   audit.Writer
	events  realtime.Publisher
	watcher *realtime.Watcher
	log     *zap.Logger
	now     func() time.Time
	cfg     config.Config
}

func NewService(deps Deps, cfg config.Config) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	locker := deps.Locker
	if locker == nil {
		locker = redisclient.NoopLocker{}
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:    deps.Repo,
		locker:  locker,
		audit:   deps.Audit,
		events:  deps.Events,
		watcher: deps.Watcher,
		log:     log,
		now:     now,
		cfg:     cfg,
	}
}

type CreateInput struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	Type            Type
	Notes           string
	// Fee overrides the doctor's consultation fee when set.
	Fee      *decimal.Decimal
	Currency string
	// Status is the initial status; empty means scheduled.
	Status Status
	Actor  Actor
}

type UpdateInput struct {
	// Version is the version the caller intends to write: the version it
	// last read plus one.
	Version         int
	ScheduledAt     *time.Time
	DurationMinutes *int
	Type            *Type
	Notes           *string
	Status          *Status
	CancelReason    *string
	Actor           Actor
}

func validDuration(minutes int) bool {
	return minutes > 0 && minutes <= MaxDurationMinutes
}

// CreateAppointment books a slot. The conflict check and the insert run under
// a per doctor lock; the exclusion constraint on appointments rejects any
// overlap that still gets through.
func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (*Appointment, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAppointment, in.Type)
	}
	if !validDuration(in.DurationMinutes) {
		return nil, fmt.Errorf("%w: duration must be between 1 and %d minutes", ErrInvalidAppointment, MaxDurationMinutes)
	}
	if in.ScheduledAt.IsZero() || in.ScheduledAt.Before(s.now()) {
		return nil, fmt.Errorf("%w: scheduled_at must be in the future", ErrInvalidAppointment)
	}
	if !in.Actor.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidAppointment, in.Actor.Role)
	}

	status := in.Status
	if status == "" {
		status = StatusScheduled
	}
	if !status.Active() {
		return nil, fmt.Errorf("%w: cannot create an appointment as %s", ErrInvalidAppointment, status)
	}

	patient, err := s.repo.GetPatientByID(ctx, in.PatientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	doctor, err := s.repo.GetDoctorByID(ctx, in.DoctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Active {
		return nil, ErrDoctorInactive
	}

	fee := doctor.ConsultationFee
	if in.Fee != nil {
		if in.Fee.IsNegative() {
			return nil, fmt.Errorf("%w: fee must not be negative", ErrInvalidAppointment)
		}
		fee = *in.Fee
	}
	currency := in.Currency
	if currency == "" {
		currency = s.cfg.PaymentCurrency
	}

	draft := Appointment{
		ID:              uuid.New(),
		PatientID:       patient.ID,
		DoctorID:        doctor.ID,
		PatientName:     patient.Name,
		DoctorName:      doctor.Name,
		ScheduledAt:     in.ScheduledAt.UTC(),
		DurationMinutes: in.DurationMinutes,
		Type:            in.Type,
		Status:          status,
		Fee:             fee.Round(2),
		Currency:        currency,
		Notes:           in.Notes,
		CreatedBy:       in.Actor.ID,
		CreatedByRole:   in.Actor.Role,
	}

	var created *Appointment
	err = s.withDoctorLock(ctx, doctor.ID, func(lockCtx context.Context) error {
		conflict, err := s.CheckSlotConflict(lockCtx, doctor.ID, draft.ScheduledAt, draft.DurationMinutes, uuid.Nil)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("%w: overlaps appointment %s at %s", ErrSlotConflict, conflict.ID, conflict.ScheduledAt.Format(time.RFC3339))
		}

		appt, err := s.repo.InsertAppointment(lockCtx, draft)
		if err != nil {
			if errors.Is(err, ErrSlotConflict) {
				return err
			}
			return fmt.Errorf("create appointment: %w", err)
		}
		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("appointment created",
		zap.String("appointment_id", created.ID.String()),
		zap.String("doctor_id", created.DoctorID.String()),
		zap.Time("scheduled_at", created.ScheduledAt),
		zap.String("status", string(created.Status)),
	)
	s.record(ctx, in.Actor, audit.ActionAppointmentCreated, created, map[string]any{
		"scheduled_at":     created.ScheduledAt,
		"duration_minutes": created.DurationMinutes,
		"status":           created.Status,
	})
	s.publish(ctx, "created", created.ID)

	return created, nil
}

// CheckSlotConflict returns the first active appointment of doctorID whose
// interval overlaps [start, start+duration), ignoring excludeID. Candidates
// are read from a window around start; the overlap itself is computed here.
func (s *Service) CheckSlotConflict(ctx context.Context, doctorID uuid.UUID, start time.Time, durationMinutes int, excludeID uuid.UUID) (*Appointment, error) {
	window := s.cfg.ConflictWindow
	if floor := time.Duration(MaxDurationMinutes) * time.Minute; window < floor {
		window = floor
	}

	candidates, err := s.repo.FindActiveForDoctorBetween(ctx, doctorID, start.Add(-window), start.Add(window))
	if err != nil {
		return nil, fmt.Errorf("load doctor appointments: %w", err)
	}

	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	for i := range candidates {
		c := candidates[i]
		if c.ID == excludeID || !c.Status.Active() {
			continue
		}
		if Overlaps(start, end, c.ScheduledAt, c.EndsAt()) {
			return &c, nil
		}
	}
	return nil, nil
}

// UpdateAppointment applies a partial update guarded by the version number.
// The write is a single conditional statement, so a concurrent writer that
// got there first makes this call fail with ErrVersionConflict.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, in UpdateInput) (*Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if in.Version <= current.Version {
		return nil, fmt.Errorf("%w: submitted version %d, stored version %d", ErrVersionConflict, in.Version, current.Version)
	}
	if in.Version != current.Version+1 {
		return nil, fmt.Errorf("%w: submitted version %d skips stored version %d", ErrVersionConflict, in.Version, current.Version)
	}
	if current.Status.Terminal() {
		return nil, ErrAppointmentClosed
	}

	next := *current
	rescheduled := false

	if in.ScheduledAt != nil && !in.ScheduledAt.Equal(current.ScheduledAt) {
		if in.ScheduledAt.Before(s.now()) {
			return nil, fmt.Errorf("%w: scheduled_at must be in the future", ErrInvalidAppointment)
		}
		next.ScheduledAt = in.ScheduledAt.UTC()
		rescheduled = true
	}
	if in.DurationMinutes != nil && *in.DurationMinutes != current.DurationMinutes {
		if !validDuration(*in.DurationMinutes) {
			return nil, fmt.Errorf("%w: duration must be between 1 and %d minutes", ErrInvalidAppointment, MaxDurationMinutes)
		}
		next.DurationMinutes = *in.DurationMinutes
		rescheduled = true
	}
	if in.Type != nil {
		if !in.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAppointment, *in.Type)
		}
		next.Type = *in.Type
	}
	if in.Notes != nil {
		next.Notes = *in.Notes
	}
	if in.Status != nil && *in.Status != current.Status {
		if !CanTransition(current.Status, *in.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, *in.Status)
		}
		next.Status = *in.Status
		if next.Status == StatusCancelled {
			at := s.now().UTC()
			next.CancelledAt = &at
			next.CancelReason = in.CancelReason
		}
	}
	actorID := in.Actor.ID
	next.LastModifiedBy = &actorID

	write := func(ctx context.Context) (*Appointment, error) {
		return s.repo.UpdateAppointment(ctx, next, current.Version)
	}

	var updated *Appointment
	if rescheduled && next.Status.Active() {
		err = s.withDoctorLock(ctx, current.DoctorID, func(lockCtx context.Context) error {
			conflict, err := s.CheckSlotConflict(lockCtx, current.DoctorID, next.ScheduledAt, next.DurationMinutes, current.ID)
			if err != nil {
				return err
			}
			if conflict != nil {
				return fmt.Errorf("%w: overlaps appointment %s", ErrSlotConflict, conflict.ID)
			}
			updated, err = write(lockCtx)
			return err
		})
	} else {
		updated, err = write(ctx)
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrSlotConflict) || errors.Is(err, ErrDoctorBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	action := audit.ActionAppointmentUpdated
	if updated.Status == StatusCancelled && current.Status != StatusCancelled {
		action = audit.ActionAppointmentCancelled
	}
	s.record(ctx, in.Actor, action, updated, map[string]any{
		"from_version": current.Version,
		"to_version":   updated.Version,
		"rescheduled":  rescheduled,
		"status":       updated.Status,
	})
	s.publish(ctx, "updated", updated.ID)

	return updated, nil
}

// DeleteAppointment soft-cancels. Rows are never removed; calling it on an
// already cancelled appointment returns the row unchanged.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	var r *string
	if reason != "" {
		r = &reason
	}
	appt, err := s.transition(ctx, id, StatusCancelled, actor, r)
	if errors.Is(err, ErrAppointmentClosed) {
		current, getErr := s.repo.GetAppointmentByID(ctx, id)
		if getErr == nil && current.Status == StatusCancelled {
			return current, nil
		}
		return nil, fmt.Errorf("%w: appointment is completed", ErrInvalidStatusTransition)
	}
	return appt, err
}

func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, actor, nil)
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, actor, nil)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, actor Actor, reason *string) (*Appointment, error) {
	current, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if current.Status.Terminal() {
		return nil, ErrAppointmentClosed
	}
	if !CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, current.Status, to)
	}

	updated, err := s.repo.TransitionStatus(ctx, id, current.Status, to, StatusChange{
		ModifiedBy: actor.ID,
		Reason:     reason,
		At:         s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("%w: status changed concurrently", ErrInvalidStatusTransition)
		}
		return nil, fmt.Errorf("transition appointment to %s: %w", to, err)
	}

	action := audit.ActionAppointmentUpdated
	switch to {
	case StatusConfirmed:
		action = audit.ActionAppointmentConfirmed
	case StatusCompleted:
		action = audit.ActionAppointmentCompleted
	case StatusCancelled:
		action = audit.ActionAppointmentCancelled
	}
	details := map[string]any{"from": current.Status, "to": to}
	if reason != nil {
		details["reason"] = *reason
	}
	s.record(ctx, actor, action, updated, details)
	s.publish(ctx, string(to), updated.ID)

	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := s.repo.GetDoctorByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get doctor: %w", err)
	}
	return d, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetPatientByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (s *Service) ListDoctors(ctx context.Context, activeOnly bool) ([]Doctor, error) {
	doctors, err := s.repo.ListDoctors(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	return doctors, nil
}

// SetDoctorActive toggles whether a doctor takes new bookings. Existing
// appointments are left alone.
func (s *Service) SetDoctorActive(ctx context.Context, id uuid.UUID, active bool, actor Actor) (*Doctor, error) {
	d, err := s.repo.SetDoctorActive(ctx, id, active)
	if err != nil {
		return nil, fmt.Errorf("set doctor active: %w", err)
	}

	if s.audit != nil {
		actorID := actor.ID
		audit.Record(ctx, s.audit, s.log, audit.Entry{
			ActorID:      &actorID,
			ActorRole:    string(actor.Role),
			Action:       audit.ActionDoctorUpdated,
			ResourceType: "doctor",
			ResourceID:   d.ID,
			Outcome:      audit.OutcomeSuccess,
			Details:      map[string]any{"active": active},
		})
	}
	if s.events != nil {
		if err := s.events.Publish(ctx, realtime.Event{Topic: realtime.TopicDoctors, Action: "updated", ResourceID: d.ID}); err != nil {
			s.log.Warn("publish doctor change failed", zap.Error(err))
		}
	}
	return d, nil
}

func (s *Service) withDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithDoctorLock(ctx, doctorID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrDoctorBusy
	}
	return err
}

func (s *Service) record(ctx context.Context, actor Actor, action string, a *Appointment, details map[string]any) {
	if s.audit == nil {
		return
	}
	actorID := actor.ID
	audit.Record(ctx, s.audit, s.log, audit.Entry{
		ActorID:      &actorID,
		ActorRole:    string(actor.Role),
		Action:       action,
		ResourceType: "appointment",
		ResourceID:   a.ID,
		Outcome:      audit.OutcomeSuccess,
		Details:      details,
		CreatedAt:    s.now().UTC(),
	})
}

func (s *Service) publish(ctx context.Context, action string, id uuid.UUID) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, realtime.Event{Topic: realtime.TopicAppointments, Action: action, ResourceID: id}); err != nil {
		s.log.Warn("publish appointment change failed", zap.String("appointment_id", id.String()), zap.Error(err))
	}
}
