package liveactivity

import (
	"errors"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestPushToken_Validate(t *testing.T) {
	tests := []struct {
		name      string
		token     PushToken
		wantField string
	}{
		{
			name:  "valid push to start",
			token: PushToken{Kind: KindPushToStart, Token: "abc", DeviceID: "d1"},
		},
		{
			name:  "valid activity token with scoping",
			token: PushToken{Kind: KindActivityToken, Token: "abc", DeviceID: "d1", ActivityID: "a1", Grade: intPtr(3), ClassNumber: intPtr(11)},
		},
		{
			name:      "activity token without activity id",
			token:     PushToken{Kind: KindActivityToken, Token: "x", DeviceID: "d1"},
			wantField: "activityId",
		},
		{
			name:      "unknown kind",
			token:     PushToken{Kind: "voip", Token: "x", DeviceID: "d1"},
			wantField: "type",
		},
		{
			name:      "missing device id",
			token:     PushToken{Kind: KindAPNsToken, Token: "x"},
			wantField: "deviceId",
		},
		{
			name:      "grade out of range",
			token:     PushToken{Kind: KindAPNsToken, Token: "x", DeviceID: "d1", Grade: intPtr(4)},
			wantField: "grade",
		},
		{
			name:      "class number out of range",
			token:     PushToken{Kind: KindAPNsToken, Token: "x", DeviceID: "d1", ClassNumber: intPtr(12)},
			wantField: "classNumber",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.token.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}

			verr, ok := IsValidationError(err)
			if !ok {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			found := false
			for _, f := range verr.Fields {
				if f.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %q, got %+v", tt.wantField, verr.Fields)
			}
		})
	}
}

func TestTokenKey_DropsActivityIDForOtherKinds(t *testing.T) {
	tok := PushToken{Kind: KindPushToStart, DeviceID: "d1", ActivityID: "stray"}
	key := tok.Key()
	if key.ActivityID != "" {
		t.Errorf("expected empty activity id, got %q", key.ActivityID)
	}
	if key.String() != "push_to_start/d1" {
		t.Errorf("unexpected key string %q", key.String())
	}

	act := NewTokenKey("d1", KindActivityToken, "a1")
	if act.String() != "activity_token/d1/a1" {
		t.Errorf("unexpected key string %q", act.String())
	}
}

func TestPushToken_Normalize(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	tok := PushToken{Kind: KindAPNsToken, DeviceID: "d1", ActivityID: "a1"}.Normalize(now)
	if tok.ActivityID != "" {
		t.Errorf("activity id should be cleared for apns tokens")
	}
	if !tok.RegisteredAt.Equal(now) {
		t.Errorf("expected registeredAt %v, got %v", now, tok.RegisteredAt)
	}

	earlier := now.Add(-time.Hour)
	kept := PushToken{Kind: KindAPNsToken, RegisteredAt: earlier}.Normalize(now)
	if !kept.RegisteredAt.Equal(earlier) {
		t.Errorf("existing registeredAt should be kept")
	}
}

func TestNewPayload(t *testing.T) {
	now := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		event     Event
		dataType  string
		wantAlert bool
		target    Kind
	}{
		{EventStart, DataTypeStart, true, KindPushToStart},
		{EventUpdate, DataTypeWake, false, KindActivityToken},
		{EventWake, DataTypeWake, false, KindActivityToken},
		{EventEnd, DataTypeStop, true, KindActivityToken},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			p := NewPayload(tt.event, now)
			if err := p.Validate(); err != nil {
				t.Fatalf("payload should be valid: %v", err)
			}
			if p.Data["type"] != tt.dataType {
				t.Errorf("data.type = %q, want %q", p.Data["type"], tt.dataType)
			}
			if (p.Title != "") != tt.wantAlert {
				t.Errorf("alert presence = %v, want %v", p.Title != "", tt.wantAlert)
			}
			if tt.event.TargetKind() != tt.target {
				t.Errorf("target kind = %s, want %s", tt.event.TargetKind(), tt.target)
			}
		})
	}
}

func TestPayload_ValidateRejectsMalformed(t *testing.T) {
	now := time.Now()

	p := NewPayload(EventEnd, now)
	p.Data["type"] = DataTypeStart
	if err := p.Validate(); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload for mismatched type, got %v", err)
	}

	p = NewPayload(EventStart, now)
	p.Title = ""
	if err := p.Validate(); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload for missing title, got %v", err)
	}

	if err := (Payload{Event: "dance", IssuedAt: now}).Validate(); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload for unknown event, got %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	if e, err := ParseEvent("end"); err != nil || e != EventEnd {
		t.Errorf("ParseEvent(end) = %v, %v", e, err)
	}
	if _, err := ParseEvent("pause"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}
