package appointment

import (
	"context"
	"errors"

	"github.com/hackgods/telemed-booking/internal/realtime"
)

var ErrSubscriptionsDisabled = errors.New("subscriptions are not configured")

// SubscribeToAppointments pushes the full filtered appointment list to deliver
// now and after every burst of appointment changes, until ctx ends.
func (s *Service) SubscribeToAppointments(ctx context.Context, f ListFilter, deliver func(realtime.Result[Appointment])) error {
	if s.watcher == nil {
		return ErrSubscriptionsDisabled
	}
	if f.Limit <= 0 || f.Limit > s.cfg.SubscriptionLimit {
		f.Limit = s.cfg.SubscriptionLimit
	}
	f.Offset = 0

	key := realtime.SnapshotKey(realtime.TopicAppointments, f.snapshotFields())
	return realtime.Watch(ctx, s.watcher, realtime.TopicAppointments, key, func(ctx context.Context) ([]Appointment, error) {
		return s.ListAppointments(ctx, f)
	}, deliver)
}

// SubscribeToDoctors pushes the list of active doctors on every doctor change.
func (s *Service) SubscribeToDoctors(ctx context.Context, deliver func(realtime.Result[Doctor])) error {
	if s.watcher == nil {
		return ErrSubscriptionsDisabled
	}
	key := realtime.SnapshotKey(realtime.TopicDoctors, map[string]string{"active": "true"})
	return realtime.Watch(ctx, s.watcher, realtime.TopicDoctors, key, func(ctx context.Context) ([]Doctor, error) {
		return s.ListDoctors(ctx, true)
	}, deliver)
}
