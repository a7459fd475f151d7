package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/realtime"
)

var (
	ErrPaymentAlreadyProcessed = errors.New("payment already processed")
	ErrPaymentLinkNotPending   = errors.New("payment link is not pending")
	ErrPaymentLinkExpired      = errors.New("payment link has expired")
	ErrAmountMismatch          = errors.New("payment amount does not match")
	ErrAppointmentNotPayable   = errors.New("appointment is no longer awaiting payment")
)

// maxLinkAttempts bounds how often booking setup is retried on a token clash.
const maxLinkAttempts = 3

type Deps struct {
	Repo         Repository
	Appointments *appointment.Service
	Notifier     notify.Dispatcher
	Events       realtime.Publisher
	Log          *zap.Logger
	Now          func() time.Time
}

type Service struct {
	repo         Repository
	appointments *appointment.Service
	notifier     notify.Dispatcher
	events       realtime.Publisher
	log          *zap.Logger
	now          func() time.Time
	token        func() (string, error)
	cfg          config.Config
}

func NewService(deps Deps, cfg config.Config) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogDispatcher(log)
	}
	return &Service{
		repo:         deps.Repo,
		appointments: deps.Appointments,
		notifier:     notifier,
		events:       deps.Events,
		log:          log,
		now:          now,
		token:        newToken,
		cfg:          cfg,
	}
}

type BookingInput struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	Type            appointment.Type
	Notes           string
	Actor           appointment.Actor
}

type BookingResult struct {
	Appointment     *appointment.Appointment `json:"appointment"`
	RequiresPayment bool                     `json:"requires_payment"`
	PaymentLink     *PaymentLink             `json:"payment_link,omitempty"`
	Reminders       []Reminder               `json:"reminders,omitempty"`
}

// CreateAppointmentWithPaymentValidation books the slot as pending_payment
// and then, in one transaction, either issues a payment link with its
// reminders (staff bookings) or confirms the appointment (patient bookings).
// If that transaction fails the slot is released again.
func (s *Service) CreateAppointmentWithPaymentValidation(ctx context.Context, in BookingInput) (*BookingResult, error) {
	requires := RequiresPayment(in.Actor.Role)

	appt, err := s.appointments.CreateAppointment(ctx, appointment.CreateInput{
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		ScheduledAt:     in.ScheduledAt,
		DurationMinutes: in.DurationMinutes,
		Type:            in.Type,
		Notes:           in.Notes,
		Currency:        s.cfg.PaymentCurrency,
		Status:          appointment.StatusPendingPayment,
		Actor:           in.Actor,
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	result := &BookingResult{RequiresPayment: requires}

	setup := func(tx Store) error {
		rule := PaymentRule{
			AppointmentID:   appt.ID,
			RequiresPayment: requires,
			CreatedByRole:   in.Actor.Role,
		}

		if !requires {
			confirmed, err := tx.Appointments().TransitionStatus(ctx, appt.ID, appointment.StatusPendingPayment, appointment.StatusConfirmed, appointment.StatusChange{
				ModifiedBy: in.Actor.ID,
				At:         now,
			})
			if err != nil {
				return fmt.Errorf("confirm appointment: %w", err)
			}
			rule.PaymentStatus = PaymentNotRequired
			rule.ConfirmationStatus = ConfirmationConfirmed
			if err := tx.InsertRule(ctx, rule); err != nil {
				return err
			}
			result.Appointment = confirmed
			return tx.WriteAudit(ctx, entry(in.Actor, audit.ActionAppointmentConfirmed, "appointment", appt.ID, audit.OutcomeSuccess, now, map[string]any{
				"from":             appointment.StatusPendingPayment,
				"to":               appointment.StatusConfirmed,
				"requires_payment": false,
			}))
		}

		rule.PaymentStatus = PaymentPending
		rule.ConfirmationStatus = ConfirmationPending
		if err := tx.InsertRule(ctx, rule); err != nil {
			return err
		}

		link, err := s.newLink(appt, now)
		if err != nil {
			return err
		}
		if err := tx.InsertLink(ctx, *link); err != nil {
			return err
		}

		reminders := s.newReminders(link)
		if err := tx.InsertReminders(ctx, reminders); err != nil {
			return err
		}

		result.Appointment = appt
		result.PaymentLink = link
		result.Reminders = reminders
		return tx.WriteAudit(ctx, entry(in.Actor, audit.ActionPaymentLinkCreated, "payment_link", link.ID, audit.OutcomeSuccess, now, map[string]any{
			"appointment_id": appt.ID,
			"amount":         link.Amount.StringFixed(2),
			"currency":       link.Currency,
			"expires_at":     link.ExpiresAt,
		}))
	}

	for attempt := 1; ; attempt++ {
		err = s.repo.InTx(ctx, setup)
		if !errors.Is(err, ErrTokenCollision) || attempt == maxLinkAttempts {
			break
		}
		s.log.Warn("payment token collision, retrying", zap.String("appointment_id", appt.ID.String()), zap.Int("attempt", attempt))
	}
	if err != nil {
		s.releaseSlot(ctx, appt, in.Actor)
		return nil, fmt.Errorf("set up payment for appointment %s: %w", appt.ID, err)
	}

	if requires {
		s.log.Info("payment link issued",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("payment_link_id", result.PaymentLink.ID.String()),
			zap.Time("expires_at", result.PaymentLink.ExpiresAt),
		)
		s.dispatch(ctx, notify.Message{
			Kind:          notify.KindPaymentLink,
			RecipientID:   appt.PatientID,
			RecipientRole: string(appointment.RolePatient),
			AppointmentID: appt.ID,
			Subject:       "Complete the payment for your appointment",
			Data:          linkData(result.PaymentLink, appt),
		})
		s.dispatch(ctx, notify.Message{
			Kind:          notify.KindStaffNotice,
			RecipientID:   appt.DoctorID,
			RecipientRole: string(appointment.RoleDoctor),
			AppointmentID: appt.ID,
			Subject:       "Appointment awaiting patient payment",
			Data: map[string]string{
				"patient_name": appt.PatientName,
				"scheduled_at": appt.ScheduledAt.Format(time.RFC3339),
				"booked_by":    string(in.Actor.Role),
			},
		})
	} else {
		s.publish(ctx, "confirmed", appt.ID)
	}

	return result, nil
}

func (s *Service) newLink(appt *appointment.Appointment, now time.Time) (*PaymentLink, error) {
	token, err := s.token()
	if err != nil {
		return nil, err
	}
	currency := appt.Currency
	if currency == "" {
		currency = s.cfg.PaymentCurrency
	}
	return &PaymentLink{
		ID:            uuid.New(),
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Amount:        appt.Fee,
		Currency:      currency,
		Status:        LinkPending,
		Token:         token,
		PaymentURL:    paymentURL(s.cfg.PaymentBaseURL, token),
		ExpiresAt:     now.Add(s.cfg.PaymentLinkTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *Service) newReminders(link *PaymentLink) []Reminder {
	reminders := make([]Reminder, 0, len(s.cfg.ReminderOffsets))
	for _, offset := range s.cfg.ReminderOffsets {
		reminders = append(reminders, Reminder{
			ID:            uuid.New(),
			AppointmentID: link.AppointmentID,
			PaymentLinkID: link.ID,
			ScheduledFor:  link.CreatedAt.Add(offset),
			Status:        ReminderPending,
		})
	}
	return reminders
}

// releaseSlot cancels an appointment whose payment setup did not commit so
// it stops blocking the doctor's calendar.
func (s *Service) releaseSlot(ctx context.Context, appt *appointment.Appointment, actor appointment.Actor) {
	if _, err := s.appointments.DeleteAppointment(ctx, appt.ID, actor, "payment setup failed"); err != nil {
		s.log.Error("release appointment after failed payment setup",
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
	}
}

type ValidateInput struct {
	LinkID     uuid.UUID
	Amount     decimal.Decimal
	PaymentRef string
	Actor      appointment.Actor
}

type ValidationResult struct {
	PaymentLink *PaymentLink             `json:"payment_link"`
	Appointment *appointment.Appointment `json:"appointment"`
}

// expiry is what an expire cascade changed. appointment is nil when the
// appointment was no longer awaiting payment.
type expiry struct {
	link        *PaymentLink
	appointment *appointment.Appointment
}

// ValidatePaymentAndConfirmAppointment settles a payment link. The link row
// is locked for the whole transaction, so two concurrent validations of one
// link cannot both succeed. A link found past its expiry is expired (with
// its appointment cancelled) and ErrPaymentLinkExpired is returned.
func (s *Service) ValidatePaymentAndConfirmAppointment(ctx context.Context, in ValidateInput) (*ValidationResult, error) {
	now := s.now().UTC()

	var result ValidationResult
	var expired *expiry
	var mismatched *PaymentLink

	err := s.repo.InTx(ctx, func(tx Store) error {
		link, err := tx.LockLink(ctx, in.LinkID)
		if err != nil {
			return err
		}

		if link.Status == LinkPaid {
			return ErrPaymentAlreadyProcessed
		}
		if link.Status != LinkPending {
			return fmt.Errorf("%w: link is %s", ErrPaymentLinkNotPending, link.Status)
		}

		if link.Expired(now) {
			expired, err = s.expireTx(ctx, tx, link, in.Actor, now)
			return err
		}

		if !in.Amount.Equal(link.Amount) {
			mismatched = link
			return ErrAmountMismatch
		}

		appt, err := tx.Appointments().GetAppointmentByID(ctx, link.AppointmentID)
		if err != nil {
			return fmt.Errorf("load appointment: %w", err)
		}
		if appt.Status != appointment.StatusPendingPayment {
			return fmt.Errorf("%w: appointment is %s", ErrAppointmentNotPayable, appt.Status)
		}

		var ref *string
		if in.PaymentRef != "" {
			ref = &in.PaymentRef
		}
		paid, err := tx.UpdateLinkStatus(ctx, link.ID, LinkPending, LinkPaid, LinkChange{PaidAt: &now, PaymentRef: ref})
		if err != nil {
			return fmt.Errorf("mark link paid: %w", err)
		}

		confirmed, err := tx.Appointments().TransitionStatus(ctx, appt.ID, appointment.StatusPendingPayment, appointment.StatusConfirmed, appointment.StatusChange{
			ModifiedBy: in.Actor.ID,
			At:         now,
		})
		if err != nil {
			if errors.Is(err, appointment.ErrAppointmentNotFound) {
				return ErrAppointmentNotPayable
			}
			return fmt.Errorf("confirm appointment: %w", err)
		}

		if err := tx.UpdateRule(ctx, appt.ID, PaymentPaid, ConfirmationConfirmed); err != nil {
			return err
		}
		cancelled, err := tx.CancelPendingReminders(ctx, link.ID)
		if err != nil {
			return err
		}

		if err := tx.WriteAudit(ctx, entry(in.Actor, audit.ActionPaymentValidated, "payment_link", link.ID, audit.OutcomeSuccess, now, map[string]any{
			"appointment_id":      appt.ID,
			"amount":              in.Amount.StringFixed(2),
			"currency":            link.Currency,
			"payment_ref":         in.PaymentRef,
			"reminders_cancelled": cancelled,
		})); err != nil {
			return err
		}
		if err := tx.WriteAudit(ctx, entry(in.Actor, audit.ActionAppointmentConfirmed, "appointment", appt.ID, audit.OutcomeSuccess, now, map[string]any{
			"from":            appointment.StatusPendingPayment,
			"to":              appointment.StatusConfirmed,
			"payment_link_id": link.ID,
		})); err != nil {
			return err
		}

		result = ValidationResult{PaymentLink: paid, Appointment: confirmed}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAmountMismatch) && mismatched != nil {
			s.recordRejectedPayment(ctx, in, mismatched, now)
			return nil, fmt.Errorf("%w: expected %s %s, got %s", ErrAmountMismatch,
				mismatched.Amount.StringFixed(2), mismatched.Currency, in.Amount.StringFixed(2))
		}
		return nil, err
	}

	if expired != nil {
		s.afterExpiry(ctx, expired)
		return nil, ErrPaymentLinkExpired
	}

	s.log.Info("payment validated",
		zap.String("payment_link_id", result.PaymentLink.ID.String()),
		zap.String("appointment_id", result.Appointment.ID.String()),
	)
	s.publish(ctx, "confirmed", result.Appointment.ID)
	s.dispatch(ctx, notify.Message{
		Kind:          notify.KindStaffNotice,
		RecipientID:   result.Appointment.DoctorID,
		RecipientRole: string(appointment.RoleDoctor),
		AppointmentID: result.Appointment.ID,
		Subject:       "Payment received, appointment confirmed",
		Data: map[string]string{
			"patient_name": result.Appointment.PatientName,
			"scheduled_at": result.Appointment.ScheduledAt.Format(time.RFC3339),
		},
	})

	return &result, nil
}

// expireTx expires a pending link and cancels its appointment if that is
// still awaiting payment. Pending reminders of the link are cancelled.
func (s *Service) expireTx(ctx context.Context, tx Store, link *PaymentLink, actor appointment.Actor, now time.Time) (*expiry, error) {
	expiredLink, err := tx.UpdateLinkStatus(ctx, link.ID, LinkPending, LinkExpired, LinkChange{})
	if err != nil {
		return nil, fmt.Errorf("expire link: %w", err)
	}
	out := &expiry{link: expiredLink}

	appt, err := tx.Appointments().GetAppointmentByID(ctx, link.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	confirmation := ConfirmationCancelled
	switch appt.Status {
	case appointment.StatusPendingPayment:
		reason := "payment link expired"
		cancelled, err := tx.Appointments().TransitionStatus(ctx, appt.ID, appt.Status, appointment.StatusCancelled, appointment.StatusChange{
			ModifiedBy: actor.ID,
			Reason:     &reason,
			At:         now,
		})
		if err != nil {
			return nil, fmt.Errorf("cancel appointment: %w", err)
		}
		out.appointment = cancelled
		if err := tx.WriteAudit(ctx, entry(actor, audit.ActionAppointmentCancelled, "appointment", appt.ID, audit.OutcomeSuccess, now, map[string]any{
			"from":   appointment.StatusPendingPayment,
			"to":     appointment.StatusCancelled,
			"reason": reason,
		})); err != nil {
			return nil, err
		}
	case appointment.StatusConfirmed, appointment.StatusCompleted:
		confirmation = ConfirmationConfirmed
	}

	if err := tx.UpdateRule(ctx, appt.ID, PaymentExpired, confirmation); err != nil {
		return nil, err
	}
	if _, err := tx.CancelPendingReminders(ctx, link.ID); err != nil {
		return nil, err
	}

	if err := tx.WriteAudit(ctx, entry(actor, audit.ActionPaymentLinkExpired, "payment_link", link.ID, audit.OutcomeSuccess, now, map[string]any{
		"appointment_id": link.AppointmentID,
		"expires_at":     link.ExpiresAt,
	})); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) afterExpiry(ctx context.Context, e *expiry) {
	s.log.Info("payment link expired",
		zap.String("payment_link_id", e.link.ID.String()),
		zap.String("appointment_id", e.link.AppointmentID.String()),
		zap.Bool("appointment_cancelled", e.appointment != nil),
	)
	if e.appointment == nil {
		return
	}
	s.publish(ctx, string(appointment.StatusCancelled), e.appointment.ID)
	s.dispatch(ctx, notify.Message{
		Kind:          notify.KindBookingExpired,
		RecipientID:   e.appointment.PatientID,
		RecipientRole: string(appointment.RolePatient),
		AppointmentID: e.appointment.ID,
		Subject:       "Your appointment was cancelled because payment was not received",
		Data: map[string]string{
			"doctor_name":  e.appointment.DoctorName,
			"scheduled_at": e.appointment.ScheduledAt.Format(time.RFC3339),
		},
	})
}

func (s *Service) recordRejectedPayment(ctx context.Context, in ValidateInput, link *PaymentLink, now time.Time) {
	e := entry(in.Actor, audit.ActionPaymentValidated, "payment_link", link.ID, audit.OutcomeFailure, now, map[string]any{
		"appointment_id":  link.AppointmentID,
		"reason":          "amount_mismatch",
		"expected_amount": link.Amount.StringFixed(2),
		"received_amount": in.Amount.StringFixed(2),
		"currency":        link.Currency,
	})
	if err := s.repo.WriteAudit(ctx, e); err != nil {
		s.log.Error("audit write failed", zap.String("action", e.Action), zap.Error(err))
	}
	s.log.Warn("payment amount mismatch",
		zap.String("payment_link_id", link.ID.String()),
		zap.String("expected", link.Amount.StringFixed(2)),
		zap.String("received", in.Amount.StringFixed(2)),
	)
}

func (s *Service) GetPaymentLink(ctx context.Context, id uuid.UUID) (*PaymentLink, error) {
	return s.repo.GetLink(ctx, id)
}

func (s *Service) GetPaymentLinkByToken(ctx context.Context, token string) (*PaymentLink, error) {
	if token == "" {
		return nil, ErrPaymentLinkNotFound
	}
	return s.repo.GetLinkByToken(ctx, token)
}

func (s *Service) GetPaymentRule(ctx context.Context, appointmentID uuid.UUID) (*PaymentRule, error) {
	return s.repo.GetRule(ctx, appointmentID)
}

func (s *Service) ListReminders(ctx context.Context, linkID uuid.UUID) ([]Reminder, error) {
	return s.repo.ListReminders(ctx, linkID)
}

func (s *Service) dispatch(ctx context.Context, msg notify.Message) {
	if err := s.notifier.Dispatch(ctx, msg); err != nil {
		s.log.Error("notification dispatch failed",
			zap.String("kind", string(msg.Kind)),
			zap.String("appointment_id", msg.AppointmentID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, action string, id uuid.UUID) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, realtime.Event{Topic: realtime.TopicAppointments, Action: action, ResourceID: id}); err != nil {
		s.log.Warn("publish appointment change failed", zap.String("appointment_id", id.String()), zap.Error(err))
	}
}

func entry(actor appointment.Actor, action, resourceType string, id uuid.UUID, outcome audit.Outcome, at time.Time, details map[string]any) audit.Entry {
	e := audit.Entry{
		ActorRole:    string(actor.Role),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   id,
		Outcome:      outcome,
		Details:      details,
		CreatedAt:    at,
	}
	if actor.ID != uuid.Nil {
		actorID := actor.ID
		e.ActorID = &actorID
	}
	return e
}

func linkData(link *PaymentLink, appt *appointment.Appointment) map[string]string {
	return map[string]string{
		"payment_url":  link.PaymentURL,
		"amount":       link.Amount.StringFixed(2),
		"currency":     link.Currency,
		"expires_at":   link.ExpiresAt.Format(time.RFC3339),
		"scheduled_at": appt.ScheduledAt.Format(time.RFC3339),
		"doctor_name":  appt.DoctorName,
	}
}
