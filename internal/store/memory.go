package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/model"
)

// Memory is a map-backed store.
type Memory struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]model.User
	events     map[uuid.UUID]model.Event
	attendance map[string]model.Attendance // model.AttendanceKey
	calls      map[string]int              // batch calls per kind
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[uuid.UUID]model.User),
		events:     make(map[uuid.UUID]model.Event),
		attendance: make(map[string]model.Attendance),
		calls:      make(map[string]int),
	}
}

// Fetchers returns the batch functions keyed by loader kind.
func (m *Memory) Fetchers() map[string]loader.BatchFunc {
	return map[string]loader.BatchFunc{
		KindEvent:      m.fetchEvents,
		KindUser:       m.fetchUsers,
		KindAttendance: m.fetchAttendance,
	}
}

// Calls returns how many batch calls kind has served.
func (m *Memory) Calls(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[kind]
}

func (m *Memory) fetchEvents(ctx context.Context, keys []string) ([]loader.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, results := parseIDs(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[KindEvent]++
	fill(keys, results, func(k string) (any, bool) {
		e, ok := m.events[uuid.MustParse(k)]
		return e, ok
	})
	return results, nil
}

func (m *Memory) fetchUsers(ctx context.Context, keys []string) ([]loader.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, results := parseIDs(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[KindUser]++
	fill(keys, results, func(k string) (any, bool) {
		u, ok := m.users[uuid.MustParse(k)]
		return u, ok
	})
	return results, nil
}

func (m *Memory) fetchAttendance(ctx context.Context, keys []string) ([]loader.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]loader.Result, len(keys))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[KindAttendance]++
	for i, k := range keys {
		userID, eventID, err := model.ParseAttendanceKey(k)
		if err != nil {
			results[i] = loader.Result{Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
			continue
		}
		if a, ok := m.attendance[model.AttendanceKey(userID, eventID)]; ok {
			results[i] = loader.Found(a)
		} else {
			results[i] = loader.Missing()
		}
	}
	return results, nil
}

// GetEvent reads one event outside any loader scope.
func (m *Memory) GetEvent(_ context.Context, id uuid.UUID) (model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return model.Event{}, ErrNotFound
	}
	return e, nil
}

// UpdateEvent applies patch and returns the stored event with the fields
// that were set.
func (m *Memory) UpdateEvent(_ context.Context, id uuid.UUID, patch EventPatch) (model.Event, map[string]string, error) {
	if err := patch.Validate(); err != nil {
		return model.Event{}, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return model.Event{}, nil, ErrNotFound
	}
	patch.Apply(&e)
	e.UpdatedAt = model.Now()
	m.events[id] = e
	return e, patch.Fields(), nil
}

// SetAttendance upserts one RSVP.
func (m *Memory) SetAttendance(_ context.Context, a model.Attendance) (model.Attendance, error) {
	if !ValidAttendStatus(a.Status) {
		return model.Attendance{}, ErrInvalidStatus
	}
	if a.UpdatedAt == 0 {
		a.UpdatedAt = model.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[a.EventID]; !ok {
		return model.Attendance{}, ErrNotFound
	}
	if _, ok := m.users[a.UserID]; !ok {
		return model.Attendance{}, ErrNotFound
	}
	m.attendance[model.AttendanceKey(a.UserID, a.EventID)] = a
	return a, nil
}

// CreateUser inserts a user.
func (m *Memory) CreateUser(_ context.Context, u model.User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = model.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("create user: %s already exists", u.ID)
	}
	m.users[u.ID] = u
	return nil
}

// CreateEvent inserts an event.
func (m *Memory) CreateEvent(_ context.Context, e model.Event) error {
	if e.Status == "" {
		e.Status = EventScheduled
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = model.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; ok {
		return fmt.Errorf("create event: %s already exists", e.ID)
	}
	if _, ok := m.users[e.OrganizerID]; !ok {
		return fmt.Errorf("create event: organizer %s: %w", e.OrganizerID, ErrNotFound)
	}
	m.events[e.ID] = e
	return nil
}
