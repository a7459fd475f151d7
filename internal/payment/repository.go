package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
)

var (
	ErrPaymentLinkNotFound = errors.New("payment link not found")
	ErrPaymentRuleNotFound = errors.New("payment rule not found")
	ErrTokenCollision      = errors.New("payment link token already in use")
)

// LinkChange carries the optional columns set by a link status change.
type LinkChange struct {
	PaidAt     *time.Time
	PaymentRef *string
}

// Store is the set of reads and writes the payment workflow performs. A
// Store obtained from Repository.InTx runs every call in one transaction.
type Store interface {
	Appointments() appointment.Repository
	WriteAudit(ctx context.Context, e audit.Entry) error

	InsertRule(ctx context.Context, r PaymentRule) error
	GetRule(ctx context.Context, appointmentID uuid.UUID) (*PaymentRule, error)
	UpdateRule(ctx context.Context, appointmentID uuid.UUID, payment PaymentStatus, confirmation ConfirmationStatus) error

	InsertLink(ctx context.Context, l PaymentLink) error
	GetLink(ctx context.Context, id uuid.UUID) (*PaymentLink, error)
	// LockLink reads the link and holds a row lock until the transaction ends.
	LockLink(ctx context.Context, id uuid.UUID) (*PaymentLink, error)
	GetLinkByToken(ctx context.Context, token string) (*PaymentLink, error)
	// UpdateLinkStatus moves a link from -> to. It returns
	// ErrPaymentLinkNotPending when the link is no longer in from.
	UpdateLinkStatus(ctx context.Context, id uuid.UUID, from, to LinkStatus, change LinkChange) (*PaymentLink, error)
	ListExpiredLinkIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	InsertReminders(ctx context.Context, reminders []Reminder) error
	ListReminders(ctx context.Context, linkID uuid.UUID) ([]Reminder, error)
	// ClaimDueReminders locks pending reminders due at now, skipping rows
	// another worker already holds.
	ClaimDueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkReminderCancelled(ctx context.Context, id uuid.UUID) error
	// MarkReminderFailed records err and bumps the attempt counter. With a
	// non-nil retryAt the reminder stays pending and becomes due again then.
	MarkReminderFailed(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error
	CancelPendingReminders(ctx context.Context, linkID uuid.UUID) (int64, error)
}

type Repository interface {
	Store
	InTx(ctx context.Context, fn func(tx Store) error) error
}
