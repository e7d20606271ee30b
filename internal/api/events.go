package api

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/rickgao/eventfeed/internal/model"
	"github.com/rickgao/eventfeed/internal/service"
	"github.com/rickgao/eventfeed/internal/store"
)

// GetEvents resolves events by id. Views come back in request order; an
// unknown id yields a view with Error set.
func (c *Client) GetEvents(ctx context.Context, ids ...uuid.UUID) ([]service.EventView, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	query := url.Values{}
	query.Set("ids", strings.Join(keys, ","))

	var resp struct {
		Events []service.EventView `json:"events"`
	}
	if err := c.get(ctx, "/api/events", query, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// UpdateEvent applies patch to an event the caller organizes.
func (c *Client) UpdateEvent(ctx context.Context, id uuid.UUID, patch store.EventPatch) (model.Event, error) {
	var e model.Event
	err := c.post(ctx, "/api/events/"+id.String(), patch, &e)
	return e, err
}

// SetAttendance records the caller's attendance status for an event.
func (c *Client) SetAttendance(ctx context.Context, eventID uuid.UUID, status string) (model.Attendance, error) {
	var a model.Attendance
	body := struct {
		Status string `json:"status"`
	}{Status: status}
	err := c.post(ctx, "/api/events/"+eventID.String()+"/attend", body, &a)
	return a, err
}
