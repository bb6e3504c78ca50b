package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// mockGateway returns a fixed outcome and counts calls.
type mockGateway struct {
	outcome atomic.Value // liveactivity.Outcome
	err     error
	calls   atomic.Int32
}

func newMockGateway(outcome liveactivity.Outcome) *mockGateway {
	m := &mockGateway{}
	m.outcome.Store(outcome)
	return m
}

func (m *mockGateway) set(outcome liveactivity.Outcome) {
	m.outcome.Store(outcome)
}

func (m *mockGateway) Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error) {
	m.calls.Add(1)
	if m.err != nil {
		return liveactivity.DeliveryResult{}, m.err
	}
	return liveactivity.DeliveryResult{
		Key:       token.Key(),
		Outcome:   m.outcome.Load().(liveactivity.Outcome),
		Timestamp: time.Now(),
	}, nil
}

func testToken() liveactivity.PushToken {
	return liveactivity.PushToken{
		Kind:       liveactivity.KindActivityToken,
		Token:      "tok",
		DeviceID:   "device-1",
		ActivityID: "activity-1",
	}
}

func wakePayload() liveactivity.Payload {
	return liveactivity.NewPayload(liveactivity.EventWake, time.Now())
}

func send(t *testing.T, pg *ProtectedGateway) liveactivity.DeliveryResult {
	t.Helper()
	res, err := pg.Send(context.Background(), testToken(), wakePayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func TestCircuitBreaker_StartsInClosedState(t *testing.T) {
	cb := New(DefaultConfig("test"), testLogger())
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_DefaultsApplied(t *testing.T) {
	cb := New(Config{Name: "test"}, testLogger())
	if cb.config.MaxFailures != 5 {
		t.Errorf("expected MaxFailures 5, got %d", cb.config.MaxFailures)
	}
	if cb.config.RecoveryTimeout != 30*time.Second {
		t.Errorf("expected RecoveryTimeout 30s, got %s", cb.config.RecoveryTimeout)
	}
	if cb.config.HalfOpenMaxRequests != 1 {
		t.Errorf("expected HalfOpenMaxRequests 1, got %d", cb.config.HalfOpenMaxRequests)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestProtectedGateway_PassesThroughWhenClosed(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeDelivered)
	pg := NewProtectedGateway(inner, New(DefaultConfig("fcm"), testLogger()), testLogger())

	for i := 0; i < 10; i++ {
		if res := send(t, pg); res.Outcome != liveactivity.OutcomeDelivered {
			t.Fatalf("send %d: expected delivered, got %s", i, res.Outcome)
		}
	}
	if inner.calls.Load() != 10 {
		t.Fatalf("expected 10 calls, got %d", inner.calls.Load())
	}
}

func TestProtectedGateway_OpensAfterTransientFailures(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeTransientFailure)
	pg := NewProtectedGateway(inner, New(Config{Name: "fcm", MaxFailures: 3, RecoveryTimeout: time.Minute}, testLogger()), testLogger())

	for i := 0; i < 3; i++ {
		send(t, pg)
	}
	if pg.Breaker().GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", pg.Breaker().GetState())
	}

	res := send(t, pg)
	if res.Outcome != liveactivity.OutcomeTransientFailure {
		t.Fatalf("expected transient outcome while open, got %s", res.Outcome)
	}
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", res.Err)
	}
	if res.Key != testToken().Key() {
		t.Fatalf("short-circuited result must carry the token key")
	}
	if inner.calls.Load() != 3 {
		t.Fatalf("inner gateway should not be called while open, got %d calls", inner.calls.Load())
	}
}

func TestProtectedGateway_InvalidTokensDoNotTrip(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeInvalidToken)
	pg := NewProtectedGateway(inner, New(Config{Name: "fcm", MaxFailures: 2}, testLogger()), testLogger())

	for i := 0; i < 5; i++ {
		if res := send(t, pg); res.Outcome != liveactivity.OutcomeInvalidToken {
			t.Fatalf("expected invalid_token to pass through, got %s", res.Outcome)
		}
	}
	if pg.Breaker().GetState() != StateClosed {
		t.Fatalf("invalid tokens should not open the circuit, got %s", pg.Breaker().GetState())
	}
}

func TestProtectedGateway_MalformedPayloadDoesNotTrip(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeDelivered)
	inner.err = liveactivity.ErrMalformedPayload
	pg := NewProtectedGateway(inner, New(Config{Name: "fcm", MaxFailures: 2}, testLogger()), testLogger())

	for i := 0; i < 3; i++ {
		_, err := pg.Send(context.Background(), testToken(), wakePayload())
		if !errors.Is(err, liveactivity.ErrMalformedPayload) {
			t.Fatalf("expected ErrMalformedPayload, got %v", err)
		}
	}
	if pg.Breaker().GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", pg.Breaker().GetState())
	}
}

func TestProtectedGateway_SuccessResetsFailureCount(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeTransientFailure)
	pg := NewProtectedGateway(inner, New(Config{Name: "fcm", MaxFailures: 3}, testLogger()), testLogger())

	send(t, pg)
	send(t, pg)
	inner.set(liveactivity.OutcomeDelivered)
	send(t, pg)
	inner.set(liveactivity.OutcomeTransientFailure)
	send(t, pg)
	send(t, pg)

	if pg.Breaker().GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestProtectedGateway_Stats(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeDelivered)
	pg := NewProtectedGateway(inner, New(Config{Name: "fcm", MaxFailures: 5}, testLogger()), testLogger())

	send(t, pg)
	send(t, pg)
	inner.set(liveactivity.OutcomeTransientFailure)
	send(t, pg)

	stats := pg.Breaker().Stats()
	if stats.Name != "fcm" {
		t.Errorf("expected name fcm, got %s", stats.Name)
	}
	if stats.State != "closed" {
		t.Errorf("expected state closed, got %s", stats.State)
	}
	if stats.TotalSuccesses != 2 {
		t.Errorf("expected 2 successes, got %d", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", stats.TotalFailures)
	}
	if stats.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", stats.Requests)
	}
}

func TestProtectedGateway_FullLifecycle(t *testing.T) {
	inner := newMockGateway(liveactivity.OutcomeTransientFailure)
	cfg := Config{Name: "fcm", MaxFailures: 2, RecoveryTimeout: 50 * time.Millisecond, HalfOpenMaxRequests: 1}
	pg := NewProtectedGateway(inner, New(cfg, testLogger()), testLogger())

	// Phase 1: FCM is down, circuit opens
	send(t, pg)
	send(t, pg)
	if pg.Breaker().GetState() != StateOpen {
		t.Fatalf("phase 1: expected StateOpen, got %s", pg.Breaker().GetState())
	}

	// Phase 2: requests fail fast
	before := inner.calls.Load()
	send(t, pg)
	if inner.calls.Load() != before {
		t.Fatal("phase 2: open circuit should not reach the gateway")
	}

	// Phase 3: probe fails, circuit reopens
	time.Sleep(60 * time.Millisecond)
	if pg.Breaker().GetState() != StateHalfOpen {
		t.Fatalf("phase 3: expected StateHalfOpen, got %s", pg.Breaker().GetState())
	}
	send(t, pg)
	if pg.Breaker().GetState() != StateOpen {
		t.Fatalf("phase 3: expected StateOpen after failed probe, got %s", pg.Breaker().GetState())
	}

	// Phase 4: FCM recovers, probe succeeds, circuit closes
	inner.set(liveactivity.OutcomeDelivered)
	time.Sleep(60 * time.Millisecond)
	if res := send(t, pg); res.Outcome != liveactivity.OutcomeDelivered {
		t.Fatalf("phase 4: expected delivered, got %s", res.Outcome)
	}
	if pg.Breaker().GetState() != StateClosed {
		t.Fatalf("phase 4: expected StateClosed, got %s", pg.Breaker().GetState())
	}
}
