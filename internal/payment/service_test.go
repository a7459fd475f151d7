package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/realtime"
)

var t0 = time.Date(2025, 1, 19, 8, 0, 0, 0, time.UTC)

var slot = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc      *Service
	appts    *appointment.Service
	repo     *MemoryRepository
	apptRepo *appointment.MemoryRepository
	audit    *audit.MemoryWriter
	notifier *notify.MemoryDispatcher
	feed     *realtime.MemoryFeed
	clock    *clock
	doctor   appointment.Doctor
	patient  appointment.Patient
}

func testConfig() config.Config {
	return config.Config{
		PaymentLinkTTL:  24 * time.Hour,
		PaymentBaseURL:  "https://pay.example.com",
		PaymentCurrency: "EUR",
		ReminderOffsets: []time.Duration{2 * time.Hour, 12 * time.Hour, 23 * time.Hour},
		ConflictWindow:  4 * time.Hour,
		WorkdayStart:    9 * time.Hour,
		WorkdayEnd:      17 * time.Hour,
		SlotInterval:    30 * time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testConfig()

	clk := &clock{t: t0}
	aw := &audit.MemoryWriter{}
	feed := realtime.NewMemoryFeed()
	notifier := &notify.MemoryDispatcher{}

	apptRepo := appointment.NewMemoryRepository()
	doctor := appointment.Doctor{ID: uuid.New(), Name: "Dr. Lin", ConsultationFee: decimal.RequireFromString("80.00"), Active: true}
	patient := appointment.Patient{ID: uuid.New(), Name: "Sam Patient"}
	apptRepo.AddDoctor(doctor)
	apptRepo.AddPatient(patient)

	apptSvc := appointment.NewService(appointment.Deps{
		Repo:   apptRepo,
		Audit:  aw,
		Events: feed,
		Log:    zap.NewNop(),
		Now:    clk.Now,
	}, cfg)

	repo := NewMemoryRepository(apptRepo, aw)
	svc := NewService(Deps{
		Repo:         repo,
		Appointments: apptSvc,
		Notifier:     notifier,
		Events:       feed,
		Log:          zap.NewNop(),
		Now:          clk.Now,
	}, cfg)

	return &fixture{
		svc:      svc,
		appts:    apptSvc,
		repo:     repo,
		apptRepo: apptRepo,
		audit:    aw,
		notifier: notifier,
		feed:     feed,
		clock:    clk,
		doctor:   doctor,
		patient:  patient,
	}
}

func (f *fixture) booking(role appointment.Role) BookingInput {
	actorID := f.patient.ID
	if role != appointment.RolePatient {
		actorID = uuid.New()
	}
	return BookingInput{
		PatientID:       f.patient.ID,
		DoctorID:        f.doctor.ID,
		ScheduledAt:     slot,
		DurationMinutes: 30,
		Type:            appointment.TypeVideo,
		Actor:           appointment.Actor{ID: actorID, Role: role},
	}
}

func (f *fixture) staffBooking(t *testing.T) *BookingResult {
	t.Helper()
	res, err := f.svc.CreateAppointmentWithPaymentValidation(context.Background(), f.booking(appointment.RoleDoctor))
	require.NoError(t, err)
	require.NotNil(t, res.PaymentLink)
	return res
}

func (f *fixture) loadAppointment(t *testing.T, id uuid.UUID) *appointment.Appointment {
	t.Helper()
	a, err := f.apptRepo.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) reminders(t *testing.T, linkID uuid.UUID) []Reminder {
	t.Helper()
	list, err := f.repo.ListReminders(context.Background(), linkID)
	require.NoError(t, err)
	return list
}

func TestRequiresPayment(t *testing.T) {
	assert.True(t, RequiresPayment(appointment.RoleDoctor))
	assert.True(t, RequiresPayment(appointment.RoleSecretary))
	assert.False(t, RequiresPayment(appointment.RolePatient))
	assert.False(t, RequiresPayment(appointment.RoleAdmin))
}

func TestDoctorBookingIssuesPaymentLink(t *testing.T) {
	f := newFixture(t)
	res := f.staffBooking(t)

	assert.True(t, res.RequiresPayment)
	assert.Equal(t, appointment.StatusPendingPayment, res.Appointment.Status)

	link := res.PaymentLink
	assert.True(t, link.Amount.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, "EUR", link.Currency)
	assert.Equal(t, LinkPending, link.Status)
	assert.Equal(t, t0.Add(24*time.Hour), link.ExpiresAt)
	assert.Len(t, link.Token, 43)
	assert.True(t, strings.HasPrefix(link.PaymentURL, "https://pay.example.com/pay/"))
	assert.True(t, strings.HasSuffix(link.PaymentURL, link.Token))

	reminders := f.reminders(t, link.ID)
	require.Len(t, reminders, 3)
	for i, offset := range []time.Duration{2 * time.Hour, 12 * time.Hour, 23 * time.Hour} {
		assert.Equal(t, t0.Add(offset), reminders[i].ScheduledFor)
		assert.Equal(t, ReminderPending, reminders[i].Status)
	}

	rule, err := f.svc.GetPaymentRule(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.True(t, rule.RequiresPayment)
	assert.Equal(t, PaymentPending, rule.PaymentStatus)
	assert.Equal(t, ConfirmationPending, rule.ConfirmationStatus)
	assert.Equal(t, appointment.RoleDoctor, rule.CreatedByRole)

	sent := f.notifier.Messages(notify.KindPaymentLink)
	require.Len(t, sent, 1)
	assert.Equal(t, f.patient.ID, sent[0].RecipientID)
	assert.Equal(t, link.PaymentURL, sent[0].Data["payment_url"])
	assert.Len(t, f.notifier.Messages(notify.KindStaffNotice), 1)
	assert.Len(t, f.audit.Find(audit.ActionPaymentLinkCreated, audit.OutcomeSuccess), 1)

	byToken, err := f.svc.GetPaymentLinkByToken(context.Background(), link.Token)
	require.NoError(t, err)
	assert.Equal(t, link.ID, byToken.ID)
}

func TestPatientBookingConfirmsImmediately(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateAppointmentWithPaymentValidation(context.Background(), f.booking(appointment.RolePatient))
	require.NoError(t, err)

	assert.False(t, res.RequiresPayment)
	assert.Nil(t, res.PaymentLink)
	assert.Empty(t, res.Reminders)
	assert.Equal(t, appointment.StatusConfirmed, res.Appointment.Status)
	assert.Equal(t, appointment.StatusConfirmed, f.loadAppointment(t, res.Appointment.ID).Status)

	rule, err := f.svc.GetPaymentRule(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.False(t, rule.RequiresPayment)
	assert.Equal(t, PaymentNotRequired, rule.PaymentStatus)
	assert.Equal(t, ConfirmationConfirmed, rule.ConfirmationStatus)

	assert.Empty(t, f.notifier.Messages(notify.KindPaymentLink))
}

func TestBookingConflict(t *testing.T) {
	f := newFixture(t)
	f.staffBooking(t)

	in := f.booking(appointment.RoleSecretary)
	in.ScheduledAt = slot.Add(15 * time.Minute)
	_, err := f.svc.CreateAppointmentWithPaymentValidation(context.Background(), in)
	assert.ErrorIs(t, err, appointment.ErrSlotConflict)
	assert.Len(t, f.notifier.Messages(notify.KindPaymentLink), 1)
}

func TestValidatePaymentConfirmsAppointment(t *testing.T) {
	f := newFixture(t)
	res := f.staffBooking(t)
	f.clock.Advance(3 * time.Hour)

	out, err := f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID:     res.PaymentLink.ID,
		Amount:     decimal.RequireFromString("80"),
		PaymentRef: "psp_123",
		Actor:      appointment.Actor{ID: f.patient.ID, Role: appointment.RolePatient},
	})
	require.NoError(t, err)

	assert.Equal(t, LinkPaid, out.PaymentLink.Status)
	require.NotNil(t, out.PaymentLink.PaidAt)
	assert.Equal(t, t0.Add(3*time.Hour), *out.PaymentLink.PaidAt)
	require.NotNil(t, out.PaymentLink.PaymentRef)
	assert.Equal(t, "psp_123", *out.PaymentLink.PaymentRef)

	assert.Equal(t, appointment.StatusConfirmed, out.Appointment.Status)
	assert.Equal(t, 2, out.Appointment.Version)

	rule, err := f.svc.GetPaymentRule(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, rule.PaymentStatus)
	assert.Equal(t, ConfirmationConfirmed, rule.ConfirmationStatus)

	for _, r := range f.reminders(t, res.PaymentLink.ID) {
		assert.Equal(t, ReminderCancelled, r.Status)
	}
	assert.Len(t, f.audit.Find(audit.ActionPaymentValidated, audit.OutcomeSuccess), 1)

	_, err = f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: res.PaymentLink.ID,
		Amount: decimal.NewFromInt(80),
	})
	assert.ErrorIs(t, err, ErrPaymentAlreadyProcessed)
}

func TestValidatePaymentAmountMismatch(t *testing.T) {
	f := newFixture(t)
	res := f.staffBooking(t)

	_, err := f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: res.PaymentLink.ID,
		Amount: decimal.RequireFromString("79.99"),
		Actor:  appointment.Actor{ID: f.patient.ID, Role: appointment.RolePatient},
	})
	require.ErrorIs(t, err, ErrAmountMismatch)
	assert.Contains(t, err.Error(), "80.00")

	appt := f.loadAppointment(t, res.Appointment.ID)
	assert.Equal(t, appointment.StatusPendingPayment, appt.Status)
	assert.Equal(t, 1, appt.Version)

	link, err := f.svc.GetPaymentLink(context.Background(), res.PaymentLink.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkPending, link.Status)

	assert.Empty(t, f.audit.Find(audit.ActionPaymentValidated, audit.OutcomeSuccess))
	failures := f.audit.Find(audit.ActionPaymentValidated, audit.OutcomeFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "amount_mismatch", failures[0].Details["reason"])
}

func TestValidatePaymentAfterExpiry(t *testing.T) {
	f := newFixture(t)
	res := f.staffBooking(t)
	f.clock.Advance(24*time.Hour + time.Minute)

	_, err := f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: res.PaymentLink.ID,
		Amount: decimal.NewFromInt(80),
	})
	require.ErrorIs(t, err, ErrPaymentLinkExpired)

	link, err := f.svc.GetPaymentLink(context.Background(), res.PaymentLink.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkExpired, link.Status)
	assert.Nil(t, link.PaidAt)

	appt := f.loadAppointment(t, res.Appointment.ID)
	assert.Equal(t, appointment.StatusCancelled, appt.Status)
	require.NotNil(t, appt.CancelReason)
	assert.Equal(t, "payment link expired", *appt.CancelReason)

	rule, err := f.svc.GetPaymentRule(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentExpired, rule.PaymentStatus)
	assert.Equal(t, ConfirmationCancelled, rule.ConfirmationStatus)

	assert.Len(t, f.notifier.Messages(notify.KindBookingExpired), 1)

	_, err = f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: res.PaymentLink.ID,
		Amount: decimal.NewFromInt(80),
	})
	assert.ErrorIs(t, err, ErrPaymentLinkNotPending)
}

func TestValidatePaymentAtExactExpiryStillSucceeds(t *testing.T) {
	f := newFixture(t)
	res := f.staffBooking(t)
	f.clock.Advance(24 * time.Hour)

	_, err := f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: res.PaymentLink.ID,
		Amount: decimal.NewFromInt(80),
	})
	assert.NoError(t, err)
}

func TestValidatePaymentUnknownLink(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: uuid.New(),
		Amount: decimal.NewFromInt(80),
	})
	assert.ErrorIs(t, err, ErrPaymentLinkNotFound)
}

func TestValidatePaymentForCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	res := f.staffBooking(t)

	_, err := f.appts.DeleteAppointment(context.Background(), res.Appointment.ID, appointment.Actor{ID: f.doctor.ID, Role: appointment.RoleDoctor}, "")
	require.NoError(t, err)

	_, err = f.svc.ValidatePaymentAndConfirmAppointment(context.Background(), ValidateInput{
		LinkID: res.PaymentLink.ID,
		Amount: decimal.NewFromInt(80),
	})
	assert.ErrorIs(t, err, ErrAppointmentNotPayable)
}

func TestCleanupExpiredPaymentLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.staffBooking(t)

	in := f.booking(appointment.RoleSecretary)
	in.ScheduledAt = slot.Add(time.Hour)
	second, err := f.svc.CreateAppointmentWithPaymentValidation(ctx, in)
	require.NoError(t, err)

	n, err := f.svc.CleanupExpiredPaymentLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.svc.CleanupExpiredPaymentLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, res := range []*BookingResult{first, second} {
		assert.Equal(t, appointment.StatusCancelled, f.loadAppointment(t, res.Appointment.ID).Status)
		for _, r := range f.reminders(t, res.PaymentLink.ID) {
			assert.NotEqual(t, ReminderPending, r.Status)
		}
	}
	assert.Len(t, f.audit.Find(audit.ActionPaymentLinkExpired, audit.OutcomeSuccess), 2)

	n, err = f.svc.CleanupExpiredPaymentLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the released slot can be booked again
	_, err = f.svc.CreateAppointmentWithPaymentValidation(ctx, f.booking(appointment.RolePatient))
	assert.NoError(t, err)
}

func TestProcessPaymentReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.staffBooking(t)

	summary, err := f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderRunSummary{}, summary)

	f.clock.Advance(2 * time.Hour)
	summary, err = f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderRunSummary{Claimed: 1, Sent: 1}, summary)

	msgs := f.notifier.Messages(notify.KindPaymentReminder)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.PaymentLink.PaymentURL, msgs[0].Data["payment_url"])

	f.clock.Advance(10 * time.Hour)
	summary, err = f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	_, err = f.svc.ValidatePaymentAndConfirmAppointment(ctx, ValidateInput{LinkID: res.PaymentLink.ID, Amount: decimal.NewFromInt(80)})
	require.NoError(t, err)

	f.clock.Advance(11 * time.Hour)
	summary, err = f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)

	statuses := map[ReminderStatus]int{}
	for _, r := range f.reminders(t, res.PaymentLink.ID) {
		statuses[r.Status]++
	}
	assert.Equal(t, map[ReminderStatus]int{ReminderSent: 2, ReminderCancelled: 1}, statuses)
	assert.Len(t, f.audit.Find(audit.ActionReminderSent, audit.OutcomeSuccess), 2)
}

func TestProcessPaymentRemindersCancelsWhenLinkNotPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.staffBooking(t)

	_, err := f.repo.UpdateLinkStatus(ctx, res.PaymentLink.ID, LinkPending, LinkFailed, LinkChange{})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	summary, err := f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderRunSummary{Claimed: 1, Cancelled: 1}, summary)
	assert.Empty(t, f.notifier.Messages(notify.KindPaymentReminder))
}

func TestProcessPaymentRemindersRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.staffBooking(t)
	f.notifier.Err = errors.New("broker unavailable")

	f.clock.Advance(2 * time.Hour)
	summary, err := f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderRunSummary{Claimed: 1, Retried: 1}, summary)

	first := f.reminders(t, res.PaymentLink.ID)[0]
	assert.Equal(t, ReminderPending, first.Status)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, t0.Add(2*time.Hour+reminderRetryDelay), first.ScheduledFor)
	require.NotNil(t, first.LastError)
	assert.Equal(t, "broker unavailable", *first.LastError)

	f.clock.Advance(reminderRetryDelay)
	summary, err = f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)

	f.clock.Advance(2 * reminderRetryDelay)
	summary, err = f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	first = f.reminders(t, res.PaymentLink.ID)[0]
	assert.Equal(t, ReminderFailed, first.Status)
	assert.Equal(t, maxReminderAttempts, first.Attempt)
}

func TestProcessPaymentRemindersSkipsCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.staffBooking(t)

	_, err := f.appts.DeleteAppointment(ctx, res.Appointment.ID, appointment.Actor{ID: f.doctor.ID, Role: appointment.RoleDoctor}, "patient called in")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	summary, err := f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderRunSummary{Claimed: 1, Cancelled: 1}, summary)
	assert.Empty(t, f.notifier.Messages(notify.KindPaymentReminder))

	for _, r := range f.reminders(t, res.PaymentLink.ID) {
		assert.Equal(t, ReminderCancelled, r.Status)
	}

	f.clock.Advance(21 * time.Hour)
	summary, err = f.svc.ProcessPaymentReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Empty(t, f.notifier.Messages(notify.KindPaymentReminder))
}

// brokenAppointmentRepository fails every store call that loads one
// appointment, as a stand-in for a row that cannot be read.
type brokenAppointmentRepository struct {
	*MemoryRepository
	broken uuid.UUID
}

func (r *brokenAppointmentRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	return r.MemoryRepository.InTx(ctx, func(tx Store) error {
		return fn(brokenAppointmentStore{Store: tx, broken: r.broken})
	})
}

type brokenAppointmentStore struct {
	Store
	broken uuid.UUID
}

func (s brokenAppointmentStore) Appointments() appointment.Repository {
	return brokenAppointments{Repository: s.Store.Appointments(), broken: s.broken}
}

type brokenAppointments struct {
	appointment.Repository
	broken uuid.UUID
}

func (a brokenAppointments) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	if id == a.broken {
		return nil, errors.New("conn reset by peer")
	}
	return a.Repository.GetAppointmentByID(ctx, id)
}

func TestProcessPaymentRemindersIsolatesFailingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.staffBooking(t)
	in := f.booking(appointment.RoleDoctor)
	in.ScheduledAt = slot.Add(time.Hour)
	second, err := f.svc.CreateAppointmentWithPaymentValidation(ctx, in)
	require.NoError(t, err)

	svc := NewService(Deps{
		Repo:         &brokenAppointmentRepository{MemoryRepository: f.repo, broken: first.Appointment.ID},
		Appointments: f.appts,
		Notifier:     f.notifier,
		Events:       f.feed,
		Log:          zap.NewNop(),
		Now:          f.clock.Now,
	}, testConfig())

	f.clock.Advance(2 * time.Hour)
	summary, err := svc.ProcessPaymentReminders(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn reset by peer")
	assert.Equal(t, ReminderRunSummary{Claimed: 2, Sent: 1, Failed: 1}, summary)

	msgs := f.notifier.Messages(notify.KindPaymentReminder)
	require.Len(t, msgs, 1)
	assert.Equal(t, second.Appointment.ID, msgs[0].AppointmentID)

	broken := f.reminders(t, first.PaymentLink.ID)[0]
	assert.Equal(t, ReminderPending, broken.Status)
	assert.Equal(t, 1, broken.Attempt)
	assert.Equal(t, f.clock.Now().Add(reminderRetryDelay), broken.ScheduledFor)
	require.NotNil(t, broken.LastError)

	assert.Equal(t, ReminderSent, f.reminders(t, second.PaymentLink.ID)[0].Status)
}

func TestNewTokenIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := newToken()
		require.NoError(t, err)
		assert.False(t, seen[tok])
		assert.NotContains(t, tok, "=")
		seen[tok] = true
	}
}

func tokenSequence(tokens ...string) func() (string, error) {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[0]
		if len(tokens) > 1 {
			tokens = tokens[1:]
		}
		return tok, nil
	}
}

func TestBookingRetriesOnTokenCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.token = tokenSequence("tok-a", "tok-a", "tok-b")

	first := f.staffBooking(t)
	assert.Equal(t, "tok-a", first.PaymentLink.Token)

	in := f.booking(appointment.RoleDoctor)
	in.ScheduledAt = slot.Add(time.Hour)
	second, err := f.svc.CreateAppointmentWithPaymentValidation(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "tok-b", second.PaymentLink.Token)
	assert.True(t, strings.HasSuffix(second.PaymentLink.PaymentURL, "/pay/tok-b"))
	assert.Len(t, f.reminders(t, second.PaymentLink.ID), 3)

	got, err := f.svc.GetPaymentLinkByToken(ctx, "tok-b")
	require.NoError(t, err)
	assert.Equal(t, second.Appointment.ID, got.AppointmentID)
}

func TestBookingGivesUpAfterRepeatedTokenCollisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.token = tokenSequence("tok-a")

	f.staffBooking(t)

	in := f.booking(appointment.RoleDoctor)
	in.ScheduledAt = slot.Add(time.Hour)
	_, err := f.svc.CreateAppointmentWithPaymentValidation(ctx, in)
	require.ErrorIs(t, err, ErrTokenCollision)

	list, err := f.apptRepo.FindActiveForDoctorBetween(ctx, f.doctor.ID, slot.Add(time.Hour), slot.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, list)
}
