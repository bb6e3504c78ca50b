package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

// DefaultSendTimeout bounds a single FCM call.
const DefaultSendTimeout = 10 * time.Second

// FCMConfig holds the Firebase service account. Either CredentialsFile or
// the ProjectID/ClientEmail/PrivateKey triple must be set.
type FCMConfig struct {
	ProjectID       string
	ClientEmail     string
	PrivateKey      string
	CredentialsFile string
	SendTimeout     time.Duration
}

// messageSender is the subset of *messaging.Client the gateway uses.
type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMGateway sends lifecycle pushes through Firebase Cloud Messaging, which
// relays them to APNs.
type FCMGateway struct {
	client    messageSender
	timeout   time.Duration
	logger    *zap.Logger
	isInvalid func(error) bool
	now       func() time.Time
}

// NewFCMGateway creates the Firebase messaging client. Missing or unusable
// credentials are a startup failure wrapping ErrMissingCredentials.
func NewFCMGateway(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMGateway, error) {
	opt, err := credentialOption(cfg)
	if err != nil {
		return nil, err
	}

	var appCfg *firebase.Config
	if cfg.ProjectID != "" {
		appCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appCfg, opt)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize firebase app: %v", ErrMissingCredentials, err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: get messaging client: %v", ErrMissingCredentials, err)
	}

	logger.Info("fcm gateway initialized",
		zap.String("project_id", cfg.ProjectID),
		zap.Duration("send_timeout", cfg.SendTimeout),
	)

	return newFCMGateway(client, cfg.SendTimeout, logger), nil
}

func newFCMGateway(client messageSender, timeout time.Duration, logger *zap.Logger) *FCMGateway {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &FCMGateway{
		client:    client,
		timeout:   timeout,
		logger:    logger,
		isInvalid: isInvalidTokenError,
		now:       time.Now,
	}
}

func credentialOption(cfg FCMConfig) (option.ClientOption, error) {
	if cfg.CredentialsFile != "" {
		return option.WithCredentialsFile(cfg.CredentialsFile), nil
	}

	if cfg.ProjectID == "" || cfg.ClientEmail == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: FIREBASE_PROJECT_ID, FIREBASE_CLIENT_EMAIL and FIREBASE_PRIVATE_KEY are required", ErrMissingCredentials)
	}

	// .env files usually carry the PEM with escaped newlines.
	privateKey := strings.ReplaceAll(cfg.PrivateKey, "\\n", "\n")
	if !strings.Contains(privateKey, "PRIVATE KEY") {
		return nil, fmt.Errorf("%w: FIREBASE_PRIVATE_KEY is not a PEM private key", ErrMissingCredentials)
	}

	credsJSON := fmt.Sprintf(`{
		"type": "service_account",
		"project_id": %q,
		"private_key": %q,
		"client_email": %q,
		"token_uri": "https://oauth2.googleapis.com/token"
	}`, cfg.ProjectID, privateKey, cfg.ClientEmail)

	return option.WithCredentialsJSON([]byte(credsJSON)), nil
}

// Send delivers one payload to one token with its own timeout.
func (g *FCMGateway) Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error) {
	if err := payload.Validate(); err != nil {
		return liveactivity.DeliveryResult{}, err
	}

	msg := buildMessage(token, payload)

	sendCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messageID, err := g.client.Send(sendCtx, msg)
	result := liveactivity.DeliveryResult{
		Key:       token.Key(),
		Timestamp: g.now(),
		Err:       err,
	}

	if err == nil {
		result.Outcome = liveactivity.OutcomeDelivered
		g.logger.Debug("push delivered",
			zap.String("key", token.Key().String()),
			zap.String("event", string(payload.Event)),
			zap.String("message_id", messageID),
		)
		return result, nil
	}

	// SENDER_ID_MISMATCH arrives as PERMISSION_DENIED but is about the token.
	if !g.isInvalid(err) && isCredentialError(err) {
		g.logger.Error("fcm rejected credentials",
			zap.String("key", token.Key().String()),
			zap.Error(err),
		)
		result.Outcome = liveactivity.OutcomeTransientFailure
		return result, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}

	result.Outcome = g.classify(err)
	if errorutils.IsInvalidArgument(err) {
		g.logger.Error("fcm rejected message as invalid",
			zap.String("key", token.Key().String()),
			zap.String("event", string(payload.Event)),
			zap.Error(err),
		)
		return result, nil
	}
	g.logger.Warn("push delivery failed",
		zap.String("key", token.Key().String()),
		zap.String("event", string(payload.Event)),
		zap.String("outcome", string(result.Outcome)),
		zap.Error(err),
	)
	return result, nil
}

func (g *FCMGateway) classify(err error) liveactivity.Outcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return liveactivity.OutcomeTransientFailure
	}
	if g.isInvalid(err) {
		return liveactivity.OutcomeInvalidToken
	}
	return liveactivity.OutcomeTransientFailure
}

// isInvalidTokenError matches the FCM codes meaning the token will never
// work again. INVALID_ARGUMENT is not among them: FCM also returns it for a
// bad header or payload, which would otherwise prune every token in a cycle.
func isInvalidTokenError(err error) bool {
	return messaging.IsUnregistered(err) ||
		messaging.IsSenderIDMismatch(err)
}

func isCredentialError(err error) bool {
	return messaging.IsThirdPartyAuthError(err) ||
		errorutils.IsUnauthenticated(err) ||
		errorutils.IsPermissionDenied(err)
}

// buildMessage renders the payload for one token. Live Activity kinds get the
// liveactivity push type and an empty content-state; the raw APNs token gets
// a background wake.
func buildMessage(token liveactivity.PushToken, payload liveactivity.Payload) *messaging.Message {
	data := make(map[string]string, len(payload.Data))
	for k, v := range payload.Data {
		data[k] = v
	}

	aps := &messaging.Aps{}
	apns := &messaging.APNSConfig{
		Headers: map[string]string{
			"apns-priority": "10",
		},
		Payload: &messaging.APNSPayload{Aps: aps},
	}

	msg := &messaging.Message{
		Token: token.Token,
		Data:  data,
		APNS:  apns,
	}

	if payload.Title != "" {
		msg.Notification = &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		}
	}

	switch token.Kind {
	case liveactivity.KindPushToStart, liveactivity.KindActivityToken:
		apns.LiveActivityToken = token.Token
		apns.Headers["apns-push-type"] = "liveactivity"
		custom := map[string]interface{}{
			"event":         payload.Event.APSEvent(),
			"timestamp":     payload.IssuedAt.Unix(),
			"content-state": map[string]interface{}{},
		}
		if payload.Event == liveactivity.EventEnd {
			custom["dismissal-date"] = payload.IssuedAt.Unix()
		}
		if payload.Title != "" {
			aps.Alert = &messaging.ApsAlert{Title: payload.Title, Body: payload.Body}
		}
		aps.CustomData = custom
	default:
		aps.ContentAvailable = true
		if payload.Title == "" {
			apns.Headers["apns-push-type"] = "background"
			apns.Headers["apns-priority"] = "5"
		} else {
			apns.Headers["apns-push-type"] = "alert"
		}
	}

	return msg
}
