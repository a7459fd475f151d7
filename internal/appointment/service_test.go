package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/realtime"
)

var testNow = time.Date(2025, 1, 19, 8, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2025, 1, 20, hour, minute, 0, 0, time.UTC)
}

func testConfig() config.Config {
	return config.Config{
		PaymentCurrency:      "EUR",
		ConflictWindow:       4 * time.Hour,
		WorkdayStart:         9 * time.Hour,
		WorkdayEnd:           17 * time.Hour,
		SlotInterval:         30 * time.Minute,
		SubscriptionDebounce: 5 * time.Millisecond,
		SubscriptionLimit:    100,
	}
}

type fixture struct {
	svc     *Service
	repo    *MemoryRepository
	audit   *audit.MemoryWriter
	feed    *realtime.MemoryFeed
	doctor  Doctor
	patient Patient
	staff   Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	doctor := Doctor{ID: uuid.New(), Name: "Dr. Ada Byron", ConsultationFee: decimal.NewFromInt(80), Active: true}
	patient := Patient{ID: uuid.New(), Name: "Pat Doe"}
	repo.AddDoctor(doctor)
	repo.AddPatient(patient)

	aw := &audit.MemoryWriter{}
	feed := realtime.NewMemoryFeed()
	svc := NewService(Deps{
		Repo:    repo,
		Audit:   aw,
		Events:  feed,
		Watcher: realtime.NewWatcher(feed, realtime.NewMemorySnapshotStore(), 5*time.Millisecond, zap.NewNop()),
		Log:     zap.NewNop(),
		Now:     func() time.Time { return testNow },
	}, testConfig())

	return &fixture{
		svc:     svc,
		repo:    repo,
		audit:   aw,
		feed:    feed,
		doctor:  doctor,
		patient: patient,
		staff:   Actor{ID: doctor.ID, Role: RoleDoctor},
	}
}

func (f *fixture) input(start time.Time, minutes int) CreateInput {
	return CreateInput{
		PatientID:       f.patient.ID,
		DoctorID:        f.doctor.ID,
		ScheduledAt:     start,
		DurationMinutes: minutes,
		Type:            TypeVideo,
		Actor:           Actor{ID: f.patient.ID, Role: RolePatient},
	}
}

func (f *fixture) book(t *testing.T, start time.Time, minutes int) *Appointment {
	t.Helper()
	a, err := f.svc.CreateAppointment(context.Background(), f.input(start, minutes))
	require.NoError(t, err)
	return a
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPendingPayment, StatusConfirmed, false},
		{StatusScheduled, StatusConfirmed, true},
		{StatusConfirmed, StatusCompleted, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusConfirmed, StatusCancelled, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusConfirmed, StatusScheduled, false},
		{StatusConfirmed, StatusPendingPayment, false},
		{StatusCancelled, StatusConfirmed, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps(at(10, 0), at(10, 30), at(10, 15), at(10, 45)))
	assert.True(t, Overlaps(at(10, 0), at(12, 0), at(10, 30), at(11, 0)))
	assert.False(t, Overlaps(at(10, 0), at(10, 30), at(10, 30), at(11, 0)), "back to back")
	assert.False(t, Overlaps(at(11, 0), at(11, 30), at(10, 0), at(10, 30)))
}

func TestCreateAppointment(t *testing.T) {
	f := newFixture(t)
	events, stop, _ := f.feed.Subscribe(context.Background(), realtime.TopicAppointments)
	defer stop()

	a := f.book(t, at(10, 0), 30)

	assert.Equal(t, StatusScheduled, a.Status)
	assert.Equal(t, 1, a.Version)
	assert.True(t, decimal.NewFromInt(80).Equal(a.Fee))
	assert.Equal(t, "EUR", a.Currency)
	assert.Equal(t, "Dr. Ada Byron", a.DoctorName)
	assert.Equal(t, "Pat Doe", a.PatientName)
	assert.Equal(t, RolePatient, a.CreatedByRole)
	assert.Len(t, f.audit.Find(audit.ActionAppointmentCreated, audit.OutcomeSuccess), 1)

	select {
	case ev := <-events:
		assert.Equal(t, a.ID, ev.ResourceID)
		assert.Equal(t, "created", ev.Action)
	case <-time.After(time.Second):
		t.Fatal("no change event published")
	}
}

func TestCreateAppointmentRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	existing := f.book(t, at(10, 0), 30)

	_, err := f.svc.CreateAppointment(context.Background(), f.input(at(10, 15), 30))
	require.ErrorIs(t, err, ErrSlotConflict)
	assert.Contains(t, err.Error(), existing.ID.String())

	_, err = f.svc.CreateAppointment(context.Background(), f.input(at(9, 45), 30))
	assert.ErrorIs(t, err, ErrSlotConflict)

	// back to back is fine
	f.book(t, at(10, 30), 30)
	f.book(t, at(9, 30), 30)
}

func TestCreateAppointmentSeesLongEarlierAppointment(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(7, 0), MaxDurationMinutes)

	_, err := f.svc.CreateAppointment(context.Background(), f.input(at(10, 45), 15))
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestCancelledAppointmentFreesSlot(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, at(10, 0), 30)

	_, err := f.svc.DeleteAppointment(context.Background(), a.ID, f.staff, "patient request")
	require.NoError(t, err)

	f.book(t, at(10, 0), 30)
}

func TestCreateAppointmentOtherDoctorDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	other := Doctor{ID: uuid.New(), Name: "Dr. Grace", Active: true}
	f.repo.AddDoctor(other)

	f.book(t, at(10, 0), 30)
	in := f.input(at(10, 0), 30)
	in.DoctorID = other.ID
	_, err := f.svc.CreateAppointment(context.Background(), in)
	assert.NoError(t, err)
}

func TestConcurrentBookingsOnlyOneWins(t *testing.T) {
	f := newFixture(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateAppointment(context.Background(), f.input(at(14, 0), 30))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrSlotConflict)
	}
	assert.Equal(t, 1, created)
}

func TestCreateAppointmentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input(testNow.Add(-time.Hour), 30)
	_, err := f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAppointment)

	in = f.input(at(10, 0), 0)
	_, err = f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAppointment)

	in = f.input(at(10, 0), MaxDurationMinutes+1)
	_, err = f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAppointment)

	in = f.input(at(10, 0), 30)
	in.Type = "fax"
	_, err = f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAppointment)

	in = f.input(at(10, 0), 30)
	in.Status = StatusCompleted
	_, err = f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidAppointment)

	in = f.input(at(10, 0), 30)
	in.PatientID = uuid.New()
	_, err = f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	in = f.input(at(10, 0), 30)
	in.DoctorID = uuid.New()
	_, err = f.svc.CreateAppointment(ctx, in)
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	_, err = f.svc.SetDoctorActive(ctx, f.doctor.ID, false, Actor{ID: uuid.New(), Role: RoleAdmin})
	require.NoError(t, err)
	_, err = f.svc.CreateAppointment(ctx, f.input(at(10, 0), 30))
	assert.ErrorIs(t, err, ErrDoctorInactive)
}

func TestUpdateAppointmentVersioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, at(10, 0), 30)
	notes := "bring lab results"

	for _, v := range []int{0, a.Version} {
		_, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: v, Notes: &notes, Actor: f.staff})
		assert.ErrorIs(t, err, ErrVersionConflict, "version %d", v)
	}

	_, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: a.Version + 5, Notes: &notes, Actor: f.staff})
	assert.ErrorIs(t, err, ErrVersionConflict)

	updated, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: a.Version + 1, Notes: &notes, Actor: f.staff})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, notes, updated.Notes)
	require.NotNil(t, updated.LastModifiedBy)
	assert.Equal(t, f.staff.ID, *updated.LastModifiedBy)

	// a second writer that read version 1 loses
	_, err = f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 2, Notes: &notes, Actor: f.staff})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestUpdateAppointmentReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, at(10, 0), 30)
	f.book(t, at(11, 0), 30)

	clash := at(10, 45)
	_, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 2, ScheduledAt: &clash, Actor: f.staff})
	assert.ErrorIs(t, err, ErrSlotConflict)

	// moving within its own slot must not conflict with itself
	shifted := at(10, 15)
	moved, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 2, ScheduledAt: &shifted, Actor: f.staff})
	require.NoError(t, err)
	assert.True(t, moved.ScheduledAt.Equal(shifted))

	longer := 60
	_, err = f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 3, DurationMinutes: &longer, Actor: f.staff})
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestUpdateAppointmentStatusRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, at(10, 0), 30)

	completed := StatusCompleted
	_, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 2, Status: &completed, Actor: f.staff})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	cancelled := StatusCancelled
	reason := "doctor unavailable"
	c, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 2, Status: &cancelled, CancelReason: &reason, Actor: f.staff})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)
	require.NotNil(t, c.CancelledAt)
	assert.Len(t, f.audit.Find(audit.ActionAppointmentCancelled, audit.OutcomeSuccess), 1)

	notes := "too late"
	_, err = f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 3, Notes: &notes, Actor: f.staff})
	assert.ErrorIs(t, err, ErrAppointmentClosed)
}

func TestDeleteAppointmentIsSoftAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, at(10, 0), 30)

	c, err := f.svc.DeleteAppointment(ctx, a.ID, f.staff, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)
	assert.Equal(t, 2, c.Version)

	stored, err := f.repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err, "row must still exist")
	assert.Equal(t, StatusCancelled, stored.Status)

	again, err := f.svc.DeleteAppointment(ctx, a.ID, f.staff, "")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)

	_, err = f.svc.DeleteAppointment(ctx, uuid.New(), f.staff, "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, at(10, 0), 30)

	_, err := f.svc.CompleteAppointment(ctx, a.ID, f.staff)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	c, err := f.svc.ConfirmAppointment(ctx, a.ID, f.staff)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, c.Status)

	done, err := f.svc.CompleteAppointment(ctx, a.ID, f.staff)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.svc.DeleteAppointment(ctx, a.ID, f.staff, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = f.svc.ConfirmAppointment(ctx, a.ID, f.staff)
	assert.ErrorIs(t, err, ErrAppointmentClosed)
}

func TestPendingPaymentIsNotConfirmedByCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.input(at(10, 0), 30)
	in.Status = StatusPendingPayment
	a, err := f.svc.CreateAppointment(ctx, in)
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, a.Status)

	patient := Actor{ID: f.patient.ID, Role: RolePatient}

	_, err = f.svc.ConfirmAppointment(ctx, a.ID, patient)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = f.svc.ConfirmAppointment(ctx, a.ID, f.staff)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	confirmed := StatusConfirmed
	_, err = f.svc.UpdateAppointment(ctx, a.ID, UpdateInput{Version: 2, Status: &confirmed, Actor: patient})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	stored, err := f.repo.GetAppointmentByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, stored.Status)
	assert.Equal(t, 1, stored.Version)
	assert.Empty(t, f.audit.Find(audit.ActionAppointmentConfirmed, audit.OutcomeSuccess))
}

func TestGetAvailableSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slots, err := f.svc.GetAvailableSlots(ctx, f.doctor.ID, at(0, 0))
	require.NoError(t, err)
	assert.Len(t, slots, 16)
	assert.True(t, slots[0].Equal(at(9, 0)))
	assert.True(t, slots[15].Equal(at(16, 30)))

	f.book(t, at(10, 0), 60)
	f.book(t, at(12, 15), 30)
	cancelled := f.book(t, at(15, 0), 30)
	_, err = f.svc.DeleteAppointment(ctx, cancelled.ID, f.staff, "")
	require.NoError(t, err)

	slots, err = f.svc.GetAvailableSlots(ctx, f.doctor.ID, at(0, 0))
	require.NoError(t, err)
	assert.Len(t, slots, 12)
	for _, taken := range []time.Time{at(10, 0), at(10, 30), at(12, 0), at(12, 30)} {
		assert.NotContains(t, slots, taken)
	}
	assert.Contains(t, slots, at(15, 0))
}

func TestGetAvailableSlotsSkipsPast(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return at(12, 10) }

	slots, err := f.svc.GetAvailableSlots(context.Background(), f.doctor.ID, at(0, 0))
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.True(t, slots[0].Equal(at(12, 30)))
}

func TestListAppointmentsClampsLimit(t *testing.T) {
	f := newFixture(t)
	f.book(t, at(10, 0), 30)
	f.book(t, at(11, 0), 30)

	list, err := f.svc.ListAppointments(context.Background(), ListFilter{DoctorID: &f.doctor.ID, Limit: -1})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.ListAppointments(context.Background(), ListFilter{DoctorID: &f.doctor.ID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].ScheduledAt.Equal(at(11, 0)))
}

func TestSubscribeToAppointmentsRefetchesOnChange(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var results []realtime.Result[Appointment]
	go func() {
		_ = f.svc.SubscribeToAppointments(ctx, ListFilter{DoctorID: &f.doctor.ID}, func(r realtime.Result[Appointment]) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	}()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(results)
	}
	require.Eventually(t, func() bool { return count() == 1 && f.feed.SubscriberCount(realtime.TopicAppointments) == 1 }, time.Second, 5*time.Millisecond)

	a := f.book(t, at(10, 0), 30)

	require.Eventually(t, func() bool { return count() >= 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	last := results[len(results)-1]
	mu.Unlock()
	require.Len(t, last.Items, 1)
	assert.Equal(t, a.ID, last.Items[0].ID)
	assert.False(t, last.Stale)
}

func TestSubscribeWithoutWatcher(t *testing.T) {
	svc := NewService(Deps{Repo: NewMemoryRepository()}, testConfig())
	err := svc.SubscribeToDoctors(context.Background(), func(realtime.Result[Doctor]) {})
	assert.True(t, errors.Is(err, ErrSubscriptionsDisabled))
}
