package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
)

// MemoryRepository keeps payment state in maps and shares appointments with
// an appointment.MemoryRepository. InTx serialises transactions but does not
// roll back writes made before fn fails.
type MemoryRepository struct {
	txMu sync.Mutex

	mu        sync.Mutex
	appts     *appointment.MemoryRepository
	audit     audit.Writer
	rules     map[uuid.UUID]PaymentRule
	links     map[uuid.UUID]PaymentLink
	reminders map[uuid.UUID]Reminder
}

func NewMemoryRepository(appts *appointment.MemoryRepository, w audit.Writer) *MemoryRepository {
	return &MemoryRepository{
		appts:     appts,
		audit:     w,
		rules:     make(map[uuid.UUID]PaymentRule),
		links:     make(map[uuid.UUID]PaymentLink),
		reminders: make(map[uuid.UUID]Reminder),
	}
}

func (m *MemoryRepository) InTx(_ context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryRepository) Appointments() appointment.Repository {
	return m.appts
}

func (m *MemoryRepository) WriteAudit(ctx context.Context, e audit.Entry) error {
	return m.audit.Write(ctx, e)
}

func (m *MemoryRepository) InsertRule(_ context.Context, r PaymentRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.rules[r.AppointmentID] = r
	return nil
}

func (m *MemoryRepository) GetRule(_ context.Context, appointmentID uuid.UUID) (*PaymentRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[appointmentID]
	if !ok {
		return nil, ErrPaymentRuleNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) UpdateRule(_ context.Context, appointmentID uuid.UUID, payment PaymentStatus, confirmation ConfirmationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[appointmentID]
	if !ok {
		return ErrPaymentRuleNotFound
	}
	r.PaymentStatus = payment
	r.ConfirmationStatus = confirmation
	r.UpdatedAt = time.Now().UTC()
	m.rules[appointmentID] = r
	return nil
}

func (m *MemoryRepository) InsertLink(_ context.Context, l PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.links {
		if existing.Token == l.Token {
			return ErrTokenCollision
		}
	}
	l.UpdatedAt = l.CreatedAt
	m.links[l.ID] = l
	return nil
}

func (m *MemoryRepository) GetLink(_ context.Context, id uuid.UUID) (*PaymentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return nil, ErrPaymentLinkNotFound
	}
	return &l, nil
}

func (m *MemoryRepository) LockLink(ctx context.Context, id uuid.UUID) (*PaymentLink, error) {
	return m.GetLink(ctx, id)
}

func (m *MemoryRepository) GetLinkByToken(_ context.Context, token string) (*PaymentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.Token == token {
			return &l, nil
		}
	}
	return nil, ErrPaymentLinkNotFound
}

func (m *MemoryRepository) UpdateLinkStatus(_ context.Context, id uuid.UUID, from, to LinkStatus, change LinkChange) (*PaymentLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return nil, ErrPaymentLinkNotFound
	}
	if l.Status != from {
		return nil, ErrPaymentLinkNotPending
	}
	l.Status = to
	if change.PaidAt != nil {
		l.PaidAt = change.PaidAt
	}
	if change.PaymentRef != nil {
		l.PaymentRef = change.PaymentRef
	}
	l.UpdatedAt = time.Now().UTC()
	m.links[id] = l
	return &l, nil
}

func (m *MemoryRepository) ListExpiredLinkIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []PaymentLink
	for _, l := range m.links {
		if l.Status == LinkPending && l.ExpiresAt.Before(now) {
			expired = append(expired, l)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })

	ids := []uuid.UUID{}
	for _, l := range expired {
		if len(ids) == limit {
			break
		}
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (m *MemoryRepository) InsertReminders(_ context.Context, reminders []Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range reminders {
		r.CreatedAt, r.UpdatedAt = now, now
		m.reminders[r.ID] = r
	}
	return nil
}

func (m *MemoryRepository) ListReminders(_ context.Context, linkID uuid.UUID) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Reminder{}
	for _, r := range m.reminders {
		if r.PaymentLinkID == linkID {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (m *MemoryRepository) ClaimDueReminders(_ context.Context, now time.Time, limit int) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := []Reminder{}
	for _, r := range m.reminders {
		if r.Status == ReminderPending && !r.ScheduledFor.After(now) {
			due = append(due, r)
		}
	}
	sortReminders(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryRepository) MarkReminderSent(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.updateReminder(id, func(r *Reminder) {
		r.Status = ReminderSent
		r.SentAt = &at
	})
}

func (m *MemoryRepository) MarkReminderCancelled(_ context.Context, id uuid.UUID) error {
	return m.updateReminder(id, func(r *Reminder) {
		r.Status = ReminderCancelled
	})
}

func (m *MemoryRepository) MarkReminderFailed(_ context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	return m.updateReminder(id, func(r *Reminder) {
		r.Attempt++
		r.LastError = &errMsg
		r.Status = ReminderFailed
		if retryAt != nil {
			r.Status = ReminderPending
			r.ScheduledFor = *retryAt
		}
	})
}

func (m *MemoryRepository) CancelPendingReminders(_ context.Context, linkID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.reminders {
		if r.PaymentLinkID == linkID && r.Status == ReminderPending {
			r.Status = ReminderCancelled
			r.UpdatedAt = time.Now().UTC()
			m.reminders[id] = r
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) updateReminder(id uuid.UUID, fn func(r *Reminder)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	m.reminders[id] = r
	return nil
}

func sortReminders(list []Reminder) {
	sort.Slice(list, func(i, j int) bool { return list[i].ScheduledFor.Before(list[j].ScheduledFor) })
}
