package store

import (
	"errors"
	"strconv"

	"github.com/rickgao/eventfeed/internal/model"
)

// Loader kinds served by the stores.
const (
	KindEvent      = "event"
	KindUser       = "user"
	KindAttendance = "attendance" // key: model.AttendanceKey(user, event)
)

// Errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidStatus = errors.New("invalid status")
)

// Event statuses.
const (
	EventScheduled = "scheduled"
	EventCancelled = "cancelled"
	EventFinished  = "finished"
)

// Attendance statuses.
const (
	AttendGoing    = "going"
	AttendMaybe    = "maybe"
	AttendDeclined = "declined"
)

// ValidEventStatus reports whether s is a known event status.
func ValidEventStatus(s string) bool {
	switch s {
	case EventScheduled, EventCancelled, EventFinished:
		return true
	}
	return false
}

// ValidAttendStatus reports whether s is a known attendance status.
func ValidAttendStatus(s string) bool {
	switch s {
	case AttendGoing, AttendMaybe, AttendDeclined:
		return true
	}
	return false
}

// IsAttending reports whether the attendance counts the user as attending.
func IsAttending(a model.Attendance) bool {
	return a.Status == AttendGoing || a.Status == AttendMaybe
}

// EventPatch lists the fields of an event to change. Nil fields are kept.
type EventPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
	Status      *string `json:"status,omitempty"`
	StartsAt    *int64  `json:"starts_at,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p EventPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Location == nil && p.Status == nil && p.StartsAt == nil
}

// Validate checks enumerated fields.
func (p EventPatch) Validate() error {
	if p.Status != nil && !ValidEventStatus(*p.Status) {
		return ErrInvalidStatus
	}
	if p.Title != nil && *p.Title == "" {
		return errors.New("title must not be empty")
	}
	return nil
}

// Apply copies the set fields onto e.
func (p EventPatch) Apply(e *model.Event) {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		e.Location = *p.Location
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.StartsAt != nil {
		e.StartsAt = *p.StartsAt
	}
}

// Fields returns the set fields in their published string form.
func (p EventPatch) Fields() map[string]string {
	fields := make(map[string]string)
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.Location != nil {
		fields["location"] = *p.Location
	}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	if p.StartsAt != nil {
		fields["starts_at"] = strconv.FormatInt(*p.StartsAt, 10)
	}
	return fields
}
