package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantCode string // empty = no error
	}{
		{"ack", `{"type":"connection_ack"}`, TypeConnectionAck, ""},
		{"ka", `{"type":"ka"}`, TypeKeepAlive, ""},
		{"next", `{"type":"next","id":"1","payload":{"a":1}}`, TypeNext, ""},
		{"connection error", `{"type":"error","errors":[{"code":"unauthorized","message":"no"}]}`, TypeError, ""},
		{"subscribe without id", `{"type":"subscribe","topic":"event.updated","filter":{"kind":"all"}}`, TypeSubscribe, CodeBadFrame},
		{"missing type", `{"id":"1"}`, "", CodeBadFrame},
		{"unknown type", `{"type":"start","id":"1"}`, "start", CodeUnknownType},
		{"not json", `hello`, "", CodeBadFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.input))
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
			} else {
				var v *Violation
				if !errors.As(err, &v) {
					t.Fatalf("Decode() error = %v, want *Violation", err)
				}
				if v.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", v.Code, tt.wantCode)
				}
			}
			if f.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", f.Type, tt.wantType)
			}
		})
	}
}

func TestDecode_TooLarge(t *testing.T) {
	big := `{"type":"next","id":"1","payload":"` + strings.Repeat("x", MaxFrameSize) + `"}`
	_, err := Decode([]byte(big))
	var v *Violation
	if !errors.As(err, &v) || v.Code != CodeBadFrame {
		t.Errorf("Decode() error = %v, want bad_frame violation", err)
	}
}

func TestInitFrame_RoundTrip(t *testing.T) {
	data, err := Encode(InitFrame(InitPayload{Token: "tok", ConnectionID: "c1", Timestamp: 42}))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Field names on the wire are fixed.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	payload := raw["payload"].(map[string]any)
	for _, key := range []string{"token", "connectionId", "timestamp"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q: %s", key, data)
		}
	}

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p, err := f.Init()
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if p.Token != "tok" || p.ConnectionID != "c1" || p.Timestamp != 42 {
		t.Errorf("Init() = %+v", p)
	}
}

func TestFrame_InitRequiresToken(t *testing.T) {
	f := InitFrame(InitPayload{ConnectionID: "c1"})
	_, err := f.Init()
	var v *Violation
	if !errors.As(err, &v) || v.Code != CodeUnauthorized {
		t.Errorf("Init() error = %v, want unauthorized violation", err)
	}
}

func TestFrame_Subscribe(t *testing.T) {
	tests := []struct {
		name     string
		frame    Frame
		wantCode string
	}{
		{"scoped", SubscribeFrame("1", "event.updated", FilterSpec{Kind: FilterID, ID: "E1"}), ""},
		{"all", SubscribeFrame("2", "event.updated", FilterSpec{Kind: FilterAll}), ""},
		{"attending", SubscribeFrame("3", "event.updated", FilterSpec{Kind: FilterAttending}), ""},
		{"id without value", SubscribeFrame("4", "event.updated", FilterSpec{Kind: FilterID}), CodeInvalidFilter},
		{"all with id", SubscribeFrame("5", "event.updated", FilterSpec{Kind: FilterAll, ID: "E1"}), CodeInvalidFilter},
		{"unknown kind", SubscribeFrame("6", "event.updated", FilterSpec{Kind: "everything"}), CodeInvalidFilter},
		{"no topic", SubscribeFrame("7", "", FilterSpec{Kind: FilterAll}), CodeBadFrame},
		{"no filter", Frame{Type: TypeSubscribe, ID: "8", Topic: "event.updated"}, CodeInvalidFilter},
		{"wrong type", Frame{Type: TypeNext, ID: "9", Payload: json.RawMessage(`{}`)}, CodeBadFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.frame.Subscribe()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Subscribe() error = %v", err)
				}
				if p.Topic != "event.updated" {
					t.Errorf("Topic = %q", p.Topic)
				}
				return
			}
			var v *Violation
			if !errors.As(err, &v) {
				t.Fatalf("Subscribe() error = %v, want *Violation", err)
			}
			if v.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", v.Code, tt.wantCode)
			}
			if v.ID != tt.frame.ID {
				t.Errorf("violation ID = %q, want %q", v.ID, tt.frame.ID)
			}
		})
	}
}

func TestViolation_Frame(t *testing.T) {
	v := Violationf(CodeInvalidFilter, "bad kind %q", "x").WithID("7")

	f := v.Frame()
	if f.Type != TypeError || f.ID != "7" {
		t.Fatalf("Frame() = %+v", f)
	}
	details, err := f.ErrorDetails()
	if err != nil {
		t.Fatalf("Errors() error = %v", err)
	}
	if len(details) != 1 || details[0].Code != CodeInvalidFilter || details[0].Message != `bad kind "x"` {
		t.Errorf("Errors() = %+v", details)
	}

	want := `protocol violation (invalid_filter) on 7: bad kind "x"`
	if v.Error() != want {
		t.Errorf("Error() = %q, want %q", v.Error(), want)
	}
}

func TestFrame_WireShapes(t *testing.T) {
	sub, err := Decode([]byte(`{"type":"subscribe","id":"1","topic":"event.updated","filter":{"kind":"id","id":"E1"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p, err := sub.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if p.Topic != "event.updated" || p.Filter != (FilterSpec{Kind: FilterID, ID: "E1"}) {
		t.Errorf("Subscribe() = %+v", p)
	}

	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			"subscribe",
			SubscribeFrame("1", "event.updated", FilterSpec{Kind: FilterID, ID: "E1"}),
			`{"type":"subscribe","id":"1","topic":"event.updated","filter":{"kind":"id","id":"E1"}}`,
		},
		{
			"subscribe all",
			SubscribeFrame("2", "attendee.changed", FilterSpec{Kind: FilterAll}),
			`{"type":"subscribe","id":"2","topic":"attendee.changed","filter":{"kind":"all"}}`,
		},
		{
			"error",
			ErrorFrame("1", ErrorDetail{Code: "x", Message: "y"}),
			`{"type":"error","id":"1","errors":[{"code":"x","message":"y"}]}`,
		},
		{"complete", CompleteFrame("1"), `{"type":"complete","id":"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Encode() = %s, want %s", data, tt.want)
			}
			back, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			again, err := Encode(back)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(again) != tt.want {
				t.Errorf("round trip = %s, want %s", again, tt.want)
			}
		})
	}

	f, err := Decode([]byte(`{"type":"error","id":"1","errors":[{"code":"unknown_topic","message":"no"}]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	details, err := f.ErrorDetails()
	if err != nil {
		t.Fatalf("ErrorDetails() error = %v", err)
	}
	if len(details) != 1 || details[0].Code != CodeUnknownTopic {
		t.Errorf("ErrorDetails() = %+v", details)
	}
}

func TestFilterSpec_String(t *testing.T) {
	if got := (FilterSpec{Kind: FilterID, ID: "E1"}).String(); got != "id:E1" {
		t.Errorf("String() = %q", got)
	}
	if got := (FilterSpec{Kind: FilterAll}).String(); got != "all" {
		t.Errorf("String() = %q", got)
	}
}

func TestDeliveryFrame(t *testing.T) {
	f, err := DeliveryFrame("3", Delivery{
		Topic:     "event.updated",
		Key:       "E1",
		Seq:       7,
		Timestamp: 1700000000000,
		Data:      json.RawMessage(`{"kind":"updated"}`),
	})
	if err != nil {
		t.Fatalf("DeliveryFrame() error = %v", err)
	}
	if f.Type != TypeNext || f.ID != "3" {
		t.Fatalf("DeliveryFrame() = %+v", f)
	}

	d, err := f.Delivery()
	if err != nil {
		t.Fatalf("Delivery() error = %v", err)
	}
	if d.Key != "E1" || d.Seq != 7 || string(d.Data) != `{"kind":"updated"}` {
		t.Errorf("Delivery() = %+v", d)
	}

	if _, err := DeliveryFrame("3", Delivery{Data: json.RawMessage(`{broken`)}); err == nil {
		t.Error("DeliveryFrame() with invalid data should fail")
	}
}
