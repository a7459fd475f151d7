package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same guarantees as
// the Postgres schema: inserts and reschedules that overlap an active
// appointment of the same doctor fail with ErrSlotConflict, and updates are
// version checked.
type MemoryRepository struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]Patient
	doctors      map[uuid.UUID]Doctor
	appointments map[uuid.UUID]Appointment

	// Err, when set, is returned by every read. Used to simulate an outage.
	Err error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[uuid.UUID]Patient),
		doctors:      make(map[uuid.UUID]Doctor),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = d
}

// Put stores a as is, bypassing every check.
func (m *MemoryRepository) Put(a Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[a.ID] = a
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) ListDoctors(_ context.Context, activeOnly bool) ([]Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := []Doctor{}
	for _, d := range m.doctors {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) SetDoctorActive(_ context.Context, id uuid.UUID, active bool) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d.Active = active
	d.UpdatedAt = time.Now().UTC()
	m.doctors[id] = d
	return &d, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []Appointment{}
	for _, a := range m.appointments {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		if f.From != nil && a.ScheduledAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.ScheduledAt.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)

	if f.Offset >= len(out) {
		return []Appointment{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) FindActiveForDoctorBetween(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := []Appointment{}
	for _, a := range m.appointments {
		if a.DoctorID != doctorID || !a.Status.Active() {
			continue
		}
		if a.ScheduledAt.Before(from) || a.ScheduledAt.After(to) {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)
	return out, nil
}

func (m *MemoryRepository) InsertAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status.Active() && m.overlapsLocked(a) {
		return nil, ErrSlotConflict
	}

	now := time.Now().UTC()
	a.Version = 1
	createdBy := a.CreatedBy
	a.LastModifiedBy = &createdBy
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appointments[a.ID] = a
	return &a, nil
}

func (m *MemoryRepository) UpdateAppointment(_ context.Context, a Appointment, expectedVersion int) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.appointments[a.ID]
	if !ok || stored.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if a.Status.Active() && m.overlapsLocked(a) {
		return nil, ErrSlotConflict
	}

	stored.ScheduledAt = a.ScheduledAt
	stored.DurationMinutes = a.DurationMinutes
	stored.Type = a.Type
	stored.Notes = a.Notes
	stored.Status = a.Status
	stored.LastModifiedBy = a.LastModifiedBy
	stored.CancelledAt = a.CancelledAt
	stored.CancelReason = a.CancelReason
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	m.appointments[a.ID] = stored
	return &stored, nil
}

func (m *MemoryRepository) TransitionStatus(_ context.Context, id uuid.UUID, from, to Status, change StatusChange) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.appointments[id]
	if !ok || stored.Status != from {
		return nil, ErrAppointmentNotFound
	}

	stored.Status = to
	modifiedBy := change.ModifiedBy
	stored.LastModifiedBy = &modifiedBy
	if to == StatusCancelled {
		at := change.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		stored.CancelledAt = &at
		if change.Reason != nil {
			stored.CancelReason = change.Reason
		}
	}
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	m.appointments[id] = stored
	return &stored, nil
}

func (m *MemoryRepository) overlapsLocked(a Appointment) bool {
	for _, other := range m.appointments {
		if other.ID == a.ID || other.DoctorID != a.DoctorID || !other.Status.Active() {
			continue
		}
		if Overlaps(a.ScheduledAt, a.EndsAt(), other.ScheduledAt, other.EndsAt()) {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortAppointments(list []Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ScheduledAt.Equal(list[j].ScheduledAt) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].ScheduledAt.Before(list[j].ScheduledAt)
	})
}
