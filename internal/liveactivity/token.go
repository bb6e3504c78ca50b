// Package liveactivity holds the domain types shared by the token store,
// the push gateway, the lifecycle scheduler and the HTTP surface.
package liveactivity

import (
	"fmt"
	"time"
)

// Kind determines which lifecycle phase a token is used for.
type Kind string

const (
	// KindPushToStart tokens start a new Live Activity on a device.
	KindPushToStart Kind = "push_to_start"
	// KindActivityToken tokens update or end one running activity instance.
	KindActivityToken Kind = "activity_token"
	// KindAPNsToken is the raw device token kept as a fallback.
	KindAPNsToken Kind = "apns_token"
)

// Kinds returns every known token kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPushToStart, KindActivityToken, KindAPNsToken}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPushToStart, KindActivityToken, KindAPNsToken:
		return true
	default:
		return false
	}
}

// TokenKey is the identity of a stored token. ActivityID is only set for
// activity tokens; every other kind has exactly one record per device.
type TokenKey struct {
	DeviceID   string `json:"deviceId"`
	Kind       Kind   `json:"type"`
	ActivityID string `json:"activityId,omitempty"`
}

// NewTokenKey builds a key, dropping the activity id for kinds that are not
// scoped to an activity instance.
func NewTokenKey(deviceID string, kind Kind, activityID string) TokenKey {
	if kind != KindActivityToken {
		activityID = ""
	}
	return TokenKey{DeviceID: deviceID, Kind: kind, ActivityID: activityID}
}

func (k TokenKey) String() string {
	if k.ActivityID == "" {
		return fmt.Sprintf("%s/%s", k.Kind, k.DeviceID)
	}
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.DeviceID, k.ActivityID)
}

// PushToken is a registered push token plus its scoping metadata.
type PushToken struct {
	Kind         Kind      `json:"type" validate:"required,oneof=push_to_start activity_token apns_token"`
	Token        string    `json:"token" validate:"required"`
	ActivityID   string    `json:"activityId,omitempty" validate:"required_if=Kind activity_token"`
	DeviceID     string    `json:"deviceId" validate:"required"`
	BundleID     string    `json:"bundleId,omitempty"`
	Grade        *int      `json:"grade,omitempty" validate:"omitempty,min=1,max=3"`
	ClassNumber  *int      `json:"classNumber,omitempty" validate:"omitempty,min=1,max=11"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Key returns the composite identity of the token.
func (t PushToken) Key() TokenKey {
	return NewTokenKey(t.DeviceID, t.Kind, t.ActivityID)
}

// Validate checks the kind-specific required fields and the grade and class
// ranges. It returns a *ValidationError on failure.
func (t PushToken) Validate() error {
	return ValidateStruct(t)
}

// Normalize clears fields that do not belong to the token's kind and stamps
// RegisteredAt when it is unset.
func (t PushToken) Normalize(now time.Time) PushToken {
	if t.Kind != KindActivityToken {
		t.ActivityID = ""
	}
	if t.RegisteredAt.IsZero() {
		t.RegisteredAt = now.UTC()
	}
	return t
}
