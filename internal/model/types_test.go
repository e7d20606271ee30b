package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestAttendanceKeyRoundTrip(t *testing.T) {
	userID := uuid.New()
	eventID := uuid.New()

	key := AttendanceKey(userID, eventID)

	gotUser, gotEvent, err := ParseAttendanceKey(key)
	if err != nil {
		t.Fatalf("ParseAttendanceKey(%q) error: %v", key, err)
	}
	if gotUser != userID {
		t.Errorf("userID = %s, want %s", gotUser, userID)
	}
	if gotEvent != eventID {
		t.Errorf("eventID = %s, want %s", gotEvent, eventID)
	}
}

func TestParseAttendanceKeyInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "empty", key: ""},
		{name: "no separator", key: uuid.NewString() + uuid.NewString()[:1] + uuid.NewString()},
		{name: "bad user", key: "zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz:" + uuid.NewString()},
		{name: "bad event", key: uuid.NewString() + ":zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseAttendanceKey(tt.key); err == nil {
				t.Errorf("ParseAttendanceKey(%q) expected error", tt.key)
			}
		})
	}
}

func TestEventUpdateJSON(t *testing.T) {
	u := EventUpdate{
		EventID:   uuid.MustParse("6f1c2c7e-3f0a-4e57-9a55-0d5e3b0f6a11"),
		Kind:      "updated",
		Fields:    map[string]string{"title": "Launch party"},
		UpdatedAt: 1705321845000000,
	}

	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded["event_id"] != "6f1c2c7e-3f0a-4e57-9a55-0d5e3b0f6a11" {
		t.Errorf("event_id = %v", decoded["event_id"])
	}
	if decoded["kind"] != "updated" {
		t.Errorf("kind = %v, want updated", decoded["kind"])
	}
}
