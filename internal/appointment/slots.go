package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetAvailableSlots lists the start times on date's calendar day at which a
// slot of one interval length is free for doctorID. A slot is taken when any
// active appointment overlaps it, so a 60 minute appointment removes two 30
// minute slots. Slots that already started are not offered.
func (s *Service) GetAvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]time.Time, error) {
	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("get doctor: %w", err)
	}
	if !doctor.Active {
		return []time.Time{}, nil
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	open := day.Add(s.cfg.WorkdayStart)
	closeAt := day.Add(s.cfg.WorkdayEnd)
	interval := s.cfg.SlotInterval

	lookBack := time.Duration(MaxDurationMinutes) * time.Minute
	booked, err := s.repo.FindActiveForDoctorBetween(ctx, doctorID, open.Add(-lookBack), closeAt)
	if err != nil {
		return nil, fmt.Errorf("load booked appointments: %w", err)
	}

	now := s.now()
	free := []time.Time{}
	for slot := open; !slot.Add(interval).After(closeAt); slot = slot.Add(interval) {
		if slot.Before(now) {
			continue
		}
		end := slot.Add(interval)
		taken := false
		for _, b := range booked {
			if b.Status.Active() && Overlaps(slot, end, b.ScheduledAt, b.EndsAt()) {
				taken = true
				break
			}
		}
		if !taken {
			free = append(free, slot)
		}
	}
	return free, nil
}
