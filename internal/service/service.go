package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/store"
)

// Service applies mutations and resolves event views.
type Service struct {
	store   Store
	pub     Publisher
	loaders *loader.Factory
	logger  *slog.Logger
}

// New creates a Service. loaders creates a scope for calls whose context
// carries none.
func New(st Store, pub Publisher, loaders *loader.Factory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		pub:     pub,
		loaders: loaders,
		logger:  logger,
	}
}

// UpdateEvent changes an event organized by actor and publishes the change
// on model.TopicEventUpdated.
func (s *Service) UpdateEvent(ctx context.Context, actor, id uuid.UUID, patch store.EventPatch) (model.Event, error) {
	if patch.Empty() {
		return model.Event{}, ErrEmptyPatch
	}
	current, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, err
	}
	if current.OrganizerID != actor {
		return model.Event{}, ErrForbidden
	}

	e, fields, err := s.store.UpdateEvent(ctx, id, patch)
	if err != nil {
		return model.Event{}, err
	}
	s.refresh(ctx, store.KindEvent, id.String(), e)

	kind := "updated"
	if e.Status == store.EventCancelled && patch.Status != nil {
		kind = "cancelled"
	}
	s.publish(ctx, model.TopicEventUpdated, id.String(), model.EventUpdate{
		EventID:   id,
		Kind:      kind,
		Fields:    fields,
		ActorID:   actor,
		UpdatedAt: e.UpdatedAt,
	})
	return e, nil
}

// SetAttendance records actor's RSVP and publishes it on
// model.TopicAttendeeChanged, keyed by the event.
func (s *Service) SetAttendance(ctx context.Context, actor, eventID uuid.UUID, status string) (model.Attendance, error) {
	a, err := s.store.SetAttendance(ctx, model.Attendance{
		EventID: eventID,
		UserID:  actor,
		Status:  status,
	})
	if err != nil {
		return model.Attendance{}, err
	}
	s.refresh(ctx, store.KindAttendance, model.AttendanceKey(actor, eventID), a)

	s.publish(ctx, model.TopicAttendeeChanged, eventID.String(), model.EventUpdate{
		EventID: eventID,
		Kind:    "attendance",
		Fields: map[string]string{
			"user_id": actor.String(),
			"status":  a.Status,
		},
		ActorID:   actor,
		UpdatedAt: a.UpdatedAt,
	})
	return a, nil
}

// ResolveEvents builds a view per id for viewer. The first level loads the
// events; the second loads organizers and the viewer's attendance together.
func (s *Service) ResolveEvents(ctx context.Context, viewer uuid.UUID, ids []string) ([]EventView, error) {
	if len(ids) > MaxResolve {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyKeys, len(ids), MaxResolve)
	}

	scope, done := s.scope(ctx)
	defer done()

	views := make([]EventView, len(ids))
	events := scope.LoadMany(store.KindEvent, ids)
	if err := scope.Flush(ctx); err != nil {
		return nil, err
	}

	type pending struct {
		organizer  *loader.Future
		attendance *loader.Future
	}
	next := make([]pending, len(ids))
	for i, f := range events {
		views[i].ID = ids[i]
		v, err := f.Await(ctx)
		if err != nil {
			var batchErr *loader.BatchError
			if errors.As(err, &batchErr) {
				return nil, err
			}
			views[i].Error = err.Error()
			continue
		}
		if v == nil {
			views[i].Error = store.ErrNotFound.Error()
			continue
		}
		e := v.(model.Event)
		views[i].Event = &e
		next[i].organizer = scope.Load(store.KindUser, e.OrganizerID.String())
		if viewer != uuid.Nil {
			next[i].attendance = scope.Load(store.KindAttendance, model.AttendanceKey(viewer, e.ID))
		}
	}
	if err := scope.Flush(ctx); err != nil {
		return nil, err
	}

	for i, p := range next {
		if p.organizer != nil {
			v, err := p.organizer.Await(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolve organizer: %w", err)
			}
			if u, ok := v.(model.User); ok {
				views[i].Organizer = &u
			}
		}
		if p.attendance != nil {
			v, err := p.attendance.Await(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolve attendance: %w", err)
			}
			if a, ok := v.(model.Attendance); ok {
				views[i].Attendance = &a
			}
		}
	}
	return views, nil
}

// IsAttending reports whether viewer attends event, reading through the
// request scope.
func (s *Service) IsAttending(ctx context.Context, viewer, eventID uuid.UUID) (bool, error) {
	scope, done := s.scope(ctx)
	defer done()

	a, found, err := loader.LoadAs[model.Attendance](ctx, scope, store.KindAttendance, model.AttendanceKey(viewer, eventID))
	if err != nil || !found {
		return false, err
	}
	return store.IsAttending(a), nil
}

// scope returns the request scope from ctx, or a fresh one closed by done.
func (s *Service) scope(ctx context.Context) (*loader.Scope, func()) {
	if sc, ok := loader.FromContext(ctx); ok {
		return sc, func() {}
	}
	sc := s.loaders.NewScope(ctx)
	return sc, sc.Close
}

// refresh replaces a cached entity in the request scope after a write.
func (s *Service) refresh(ctx context.Context, kind, key string, value any) {
	if sc, ok := loader.FromContext(ctx); ok {
		sc.Clear(kind, key)
		sc.Prime(kind, key, value)
	}
}

// publish notifies subscribers. Delivery is best effort: a failed publish is
// logged and the mutation still succeeds.
func (s *Service) publish(ctx context.Context, topic, key string, payload model.EventUpdate) {
	n, err := s.pub.Publish(ctx, topic, key, payload)
	if err != nil {
		s.logger.Warn("publish failed", "topic", topic, "key", key, "error", err)
		return
	}
	s.logger.Debug("published", "topic", topic, "key", key, "kind", payload.Kind, "subscribers", n)
}
