package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/store"
)

// Errors
var (
	ErrForbidden   = errors.New("forbidden")
	ErrEmptyPatch  = errors.New("patch changes nothing")
	ErrTooManyKeys = errors.New("too many ids")
)

// MaxResolve bounds the ids accepted by one ResolveEvents call.
const MaxResolve = 100

// Store is the persistence the service needs.
type Store interface {
	Fetchers() map[string]loader.BatchFunc
	GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error)
	UpdateEvent(ctx context.Context, id uuid.UUID, patch store.EventPatch) (model.Event, map[string]string, error)
	SetAttendance(ctx context.Context, a model.Attendance) (model.Attendance, error)
}

// Publisher delivers change notifications.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) (int, error)
}

// EventView is one resolved event as seen by a viewer. When the id does not
// exist Event is nil and Error reports the miss.
type EventView struct {
	ID         string            `json:"id"`
	Event      *model.Event      `json:"event,omitempty"`
	Organizer  *model.User       `json:"organizer,omitempty"`
	Attendance *model.Attendance `json:"attendance,omitempty"`
	Error      string            `json:"error,omitempty"`
}
