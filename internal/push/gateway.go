// Package push delivers lifecycle payloads to individual tokens.
package push

import (
	"context"
	"errors"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

// Gateway is the unified interface over the push transport.
// Implementations: FCM (firebase-admin), Log (development).
//
// Send never returns an error for ordinary delivery failures; those are
// reported through DeliveryResult.Outcome. An error means the payload or the
// credentials are unusable and no token could ever succeed.
type Gateway interface {
	Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error)
}

// ErrMissingCredentials is returned when the credential bundle is absent or
// rejected by the transport.
var ErrMissingCredentials = errors.New("push credentials missing or invalid")
