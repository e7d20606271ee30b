package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Relational Types
// -----------------------------------------------------------------------------

// User is a person who organizes or attends events.
type User struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   int64     `json:"created_at"` // µs since epoch
}

// Event is a scheduled gathering.
type Event struct {
	ID          uuid.UUID `json:"id"`
	OrganizerID uuid.UUID `json:"organizer_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Status      string    `json:"status"`     // scheduled, cancelled, finished
	StartsAt    int64     `json:"starts_at"`  // µs since epoch
	UpdatedAt   int64     `json:"updated_at"` // µs since epoch
}

// Attendance links a user to an event.
type Attendance struct {
	EventID   uuid.UUID `json:"event_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"` // going, maybe, declined
	UpdatedAt int64     `json:"updated_at"`
}

// AttendanceKey is the batch key for one (viewer, event) pair.
func AttendanceKey(userID, eventID uuid.UUID) string {
	return userID.String() + ":" + eventID.String()
}

// ParseAttendanceKey splits a key produced by AttendanceKey.
func ParseAttendanceKey(key string) (userID, eventID uuid.UUID, err error) {
	if len(key) != 73 || key[36] != ':' {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid attendance key %q", key)
	}
	if userID, err = uuid.Parse(key[:36]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid attendance key %q: %w", key, err)
	}
	if eventID, err = uuid.Parse(key[37:]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid attendance key %q: %w", key, err)
	}
	return userID, eventID, nil
}

// -----------------------------------------------------------------------------
// Change Notifications
// -----------------------------------------------------------------------------

// Topic families published by the mutation layer.
const (
	TopicEventUpdated    = "event.updated"
	TopicAttendeeChanged = "event.attendance"
)

// EventUpdate is the payload published after an event changes.
type EventUpdate struct {
	EventID   uuid.UUID         `json:"event_id"`
	Kind      string            `json:"kind"` // "updated", "cancelled", "attendance"
	Fields    map[string]string `json:"fields,omitempty"`
	ActorID   uuid.UUID         `json:"actor_id"`
	UpdatedAt int64             `json:"updated_at"` // µs since epoch
}

// Now returns the current time in microseconds since epoch.
func Now() int64 {
	return time.Now().UnixMicro()
}
