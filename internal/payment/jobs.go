package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/notify"
)

const (
	reminderBatchSize   = 100
	cleanupBatchSize    = 100
	maxReminderAttempts = 3
	reminderRetryDelay  = 5 * time.Minute
)

type ReminderRunSummary struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Cancelled int `json:"cancelled"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

type reminderOutcome int

const (
	reminderSent reminderOutcome = iota
	reminderCancelled
	reminderRetried
	reminderFailed
)

// ProcessPaymentReminders sends every due reminder whose link is still
// pending and unexpired. Each reminder is claimed with SKIP LOCKED and
// handled in its own transaction, so several workers can run this at once
// and a bad row only costs that row. A failed dispatch is retried with a
// growing delay up to maxReminderAttempts.
func (s *Service) ProcessPaymentReminders(ctx context.Context) (ReminderRunSummary, error) {
	now := s.now().UTC()
	var summary ReminderRunSummary
	var errs []error

	for i := 0; i < reminderBatchSize; i++ {
		var claimed *Reminder
		var outcome reminderOutcome

		err := s.repo.InTx(ctx, func(tx Store) error {
			due, err := tx.ClaimDueReminders(ctx, now, 1)
			if err != nil {
				return fmt.Errorf("claim reminders: %w", err)
			}
			if len(due) == 0 {
				return nil
			}
			claimed = &due[0]
			outcome, err = s.processReminder(ctx, tx, *claimed, now)
			return err
		})

		if claimed == nil {
			if err != nil {
				errs = append(errs, err)
			}
			break
		}
		summary.Claimed++

		if err != nil {
			s.log.Error("payment reminder failed", zap.String("reminder_id", claimed.ID.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("reminder %s: %w", claimed.ID, err))
			summary.Failed++
			// push it out of this run; if even that fails the store is unusable
			if pErr := s.deferReminder(ctx, *claimed, now, err); pErr != nil {
				errs = append(errs, fmt.Errorf("defer reminder %s: %w", claimed.ID, pErr))
				break
			}
			continue
		}

		switch outcome {
		case reminderSent:
			summary.Sent++
		case reminderCancelled:
			summary.Cancelled++
		case reminderRetried:
			summary.Retried++
		case reminderFailed:
			summary.Failed++
		}
	}

	return summary, errors.Join(errs...)
}

// deferReminder records a processing error on a reminder that rolled back,
// using the same attempt budget as a failed dispatch.
func (s *Service) deferReminder(ctx context.Context, r Reminder, now time.Time, cause error) error {
	var retryAt *time.Time
	if attempt := r.Attempt + 1; attempt < maxReminderAttempts {
		at := now.Add(time.Duration(attempt) * reminderRetryDelay)
		retryAt = &at
	}
	return s.repo.InTx(ctx, func(tx Store) error {
		return tx.MarkReminderFailed(ctx, r.ID, cause.Error(), retryAt)
	})
}

func (s *Service) processReminder(ctx context.Context, tx Store, r Reminder, now time.Time) (reminderOutcome, error) {
	link, err := tx.GetLink(ctx, r.PaymentLinkID)
	if err != nil && !errors.Is(err, ErrPaymentLinkNotFound) {
		return 0, err
	}
	if link == nil || link.Status != LinkPending || link.Expired(now) {
		return reminderCancelled, tx.MarkReminderCancelled(ctx, r.ID)
	}

	appt, err := tx.Appointments().GetAppointmentByID(ctx, r.AppointmentID)
	if err != nil {
		return 0, fmt.Errorf("load appointment: %w", err)
	}
	// cancelled by the patient or staff while the link was still open
	if appt.Status != appointment.StatusPendingPayment {
		if _, err := tx.CancelPendingReminders(ctx, link.ID); err != nil {
			return 0, err
		}
		return reminderCancelled, nil
	}

	data := linkData(link, appt)
	data["attempt"] = strconv.Itoa(r.Attempt + 1)
	msg := notify.Message{
		Kind:          notify.KindPaymentReminder,
		RecipientID:   link.PatientID,
		RecipientRole: string(appointment.RolePatient),
		AppointmentID: appt.ID,
		Subject:       "Reminder: payment pending for your appointment",
		Data:          data,
	}

	if dErr := s.notifier.Dispatch(ctx, msg); dErr != nil {
		attempt := r.Attempt + 1
		var retryAt *time.Time
		if attempt < maxReminderAttempts {
			at := now.Add(time.Duration(attempt) * reminderRetryDelay)
			if at.Before(link.ExpiresAt) {
				retryAt = &at
			}
		}

		s.log.Warn("payment reminder dispatch failed",
			zap.String("reminder_id", r.ID.String()),
			zap.Int("attempt", attempt),
			zap.Bool("will_retry", retryAt != nil),
			zap.Error(dErr),
		)
		outcome := reminderFailed
		if retryAt != nil {
			outcome = reminderRetried
		}
		return outcome, tx.MarkReminderFailed(ctx, r.ID, dErr.Error(), retryAt)
	}

	if err := tx.MarkReminderSent(ctx, r.ID, now); err != nil {
		return 0, err
	}

	return reminderSent, tx.WriteAudit(ctx, entry(SystemActor, audit.ActionReminderSent, "payment_reminder", r.ID, audit.OutcomeSuccess, now, map[string]any{
		"payment_link_id": link.ID,
		"appointment_id":  appt.ID,
		"attempt":         r.Attempt + 1,
	}))
}

// CleanupExpiredPaymentLinks runs the expire cascade for every pending link
// past its expiry. Each link is handled in its own transaction; a failure on
// one link is logged and does not stop the others.
func (s *Service) CleanupExpiredPaymentLinks(ctx context.Context) (int, error) {
	now := s.now().UTC()

	ids, err := s.repo.ListExpiredLinkIDs(ctx, now, cleanupBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired payment links: %w", err)
	}

	count := 0
	var errs []error
	for _, id := range ids {
		exp, err := s.expireLink(ctx, id, now)
		if err != nil {
			s.log.Error("expire payment link failed", zap.String("payment_link_id", id.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("payment link %s: %w", id, err))
			continue
		}
		if exp != nil {
			count++
			s.afterExpiry(ctx, exp)
		}
	}

	return count, errors.Join(errs...)
}

func (s *Service) expireLink(ctx context.Context, id uuid.UUID, now time.Time) (*expiry, error) {
	var exp *expiry
	err := s.repo.InTx(ctx, func(tx Store) error {
		link, err := tx.LockLink(ctx, id)
		if err != nil {
			return err
		}
		// validated or expired by someone else since the listing
		if link.Status != LinkPending || !link.Expired(now) {
			return nil
		}
		exp, err = s.expireTx(ctx, tx, link, SystemActor, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exp, nil
}
