package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

func intPtr(v int) *int { return &v }

func setupTokenStore(t *testing.T) (*TokenStore, func()) {
	t.Helper()
	client, _, cleanup := setupTestRedis(t)
	store := NewTokenStore(client, zap.NewNop())
	store.now = func() time.Time { return time.Date(2026, 3, 3, 0, 30, 0, 0, time.UTC) }
	return store, cleanup
}

func activityToken(device, token string) liveactivity.PushToken {
	return liveactivity.PushToken{
		Kind:        liveactivity.KindActivityToken,
		Token:       token,
		DeviceID:    device,
		ActivityID:  "act-1",
		Grade:       intPtr(2),
		ClassNumber: intPtr(4),
	}
}

func TestTokenStore_RegisterIsIdempotent(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	tok := activityToken("device-1", "t1")
	for i := 0; i < 2; i++ {
		if err := store.Register(ctx, tok); err != nil {
			t.Fatalf("register %d failed: %v", i, err)
		}
	}

	tokens, err := store.ListByKind(ctx, liveactivity.KindActivityToken)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("expected 1 record after registering twice, got %d", len(tokens))
	}
	if tokens[0].Token != "t1" || *tokens[0].Grade != 2 {
		t.Errorf("unexpected record %+v", tokens[0])
	}
	if tokens[0].RegisteredAt.IsZero() {
		t.Error("registeredAt should be stamped")
	}
}

func TestTokenStore_ReRegisterOverwrites(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.Register(ctx, activityToken("device-1", "old"))
	_ = store.Register(ctx, activityToken("device-1", "new"))

	tokens, _ := store.ListByKind(ctx, liveactivity.KindActivityToken)
	if len(tokens) != 1 || tokens[0].Token != "new" {
		t.Fatalf("expected overwritten token, got %+v", tokens)
	}
}

func TestTokenStore_SeparatorInIDsKeepsKeysDistinct(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	first := activityToken("x:y", "tok-a")
	first.ActivityID = "z"
	second := activityToken("x", "tok-b")
	second.ActivityID = "y:z"

	for _, tok := range []liveactivity.PushToken{first, second} {
		if err := store.Register(ctx, tok); err != nil {
			t.Fatalf("register %s failed: %v", tok.Key(), err)
		}
	}

	tokens, err := store.ListByKind(ctx, liveactivity.KindActivityToken)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(tokens), tokens)
	}

	removed, err := store.RemoveIfToken(ctx, first.Key(), "tok-a")
	if err != nil || !removed {
		t.Fatalf("expected first record removed, got removed=%v err=%v", removed, err)
	}
	tokens, _ = store.ListByKind(ctx, liveactivity.KindActivityToken)
	if len(tokens) != 1 || tokens[0].Token != "tok-b" {
		t.Errorf("expected only tok-b to remain, got %+v", tokens)
	}
}

func TestTokenStore_RegisterRejectsInvalid(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()

	tok := activityToken("device-1", "t1")
	tok.ActivityID = ""

	err := store.Register(context.Background(), tok)
	verr, ok := liveactivity.IsValidationError(err)
	if !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields[0].Field != "activityId" {
		t.Errorf("expected activityId field error, got %+v", verr.Fields)
	}

	stats, _ := store.Stats(context.Background())
	if stats.Total != 0 {
		t.Errorf("invalid token must not be stored, total=%d", stats.Total)
	}
}

func TestTokenStore_ListByKindSeparatesKinds(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.Register(ctx, activityToken("device-1", "a1"))
	_ = store.Register(ctx, liveactivity.PushToken{Kind: liveactivity.KindPushToStart, Token: "p1", DeviceID: "device-1"})
	_ = store.Register(ctx, liveactivity.PushToken{Kind: liveactivity.KindAPNsToken, Token: "r1", DeviceID: "device-1"})

	for _, kind := range liveactivity.Kinds() {
		tokens, err := store.ListByKind(ctx, kind)
		if err != nil {
			t.Fatalf("list %s failed: %v", kind, err)
		}
		if len(tokens) != 1 || tokens[0].Kind != kind {
			t.Errorf("kind %s: unexpected tokens %+v", kind, tokens)
		}
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 tokens, got %d", len(all))
	}
}

func TestTokenStore_RemoveIsIdempotent(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	tok := activityToken("device-1", "t1")
	_ = store.Register(ctx, tok)

	for i := 0; i < 2; i++ {
		if err := store.Remove(ctx, tok.Key()); err != nil {
			t.Fatalf("remove %d failed: %v", i, err)
		}
	}

	stats, _ := store.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("expected empty store, total=%d", stats.Total)
	}
	if stats.LastRegisteredAt != nil {
		t.Errorf("expected no lastRegisteredAt, got %v", stats.LastRegisteredAt)
	}
}

func TestTokenStore_RemoveIfToken(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = store.Register(ctx, activityToken("device-1", "old"))
	_ = store.Register(ctx, activityToken("device-1", "new"))
	key := activityToken("device-1", "").Key()

	removed, err := store.RemoveIfToken(ctx, key, "old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed {
		t.Fatal("a replaced token must not be pruned")
	}

	removed, err = store.RemoveIfToken(ctx, key, "new")
	if err != nil || !removed {
		t.Fatalf("expected removal of current token, got %v, %v", removed, err)
	}

	removed, err = store.RemoveIfToken(ctx, key, "new")
	if err != nil || removed {
		t.Fatalf("second removal should be a no-op, got %v, %v", removed, err)
	}
}

func TestTokenStore_Stats(t *testing.T) {
	store, cleanup := setupTokenStore(t)
	defer cleanup()
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	for _, kind := range liveactivity.Kinds() {
		if n, ok := stats.CountsByKind[kind]; !ok || n != 0 {
			t.Errorf("expected zero count for %s, got %d (present=%v)", kind, n, ok)
		}
	}

	_ = store.Register(ctx, activityToken("device-1", "a1"))
	_ = store.Register(ctx, activityToken("device-2", "a2"))
	later := liveactivity.PushToken{
		Kind:         liveactivity.KindPushToStart,
		Token:        "p1",
		DeviceID:     "device-1",
		RegisteredAt: time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC),
	}
	_ = store.Register(ctx, later)

	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
	if stats.CountsByKind[liveactivity.KindActivityToken] != 2 {
		t.Errorf("expected 2 activity tokens, got %d", stats.CountsByKind[liveactivity.KindActivityToken])
	}
	if stats.LastRegisteredAt == nil || !stats.LastRegisteredAt.Equal(later.RegisteredAt) {
		t.Errorf("expected lastRegisteredAt %s, got %v", later.RegisteredAt, stats.LastRegisteredAt)
	}
}

func TestTokenStore_UnavailableWrapsSentinel(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	store := NewTokenStore(client, zap.NewNop())

	mr.Close()

	_, err := store.ListByKind(context.Background(), liveactivity.KindActivityToken)
	if !errors.Is(err, liveactivity.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	err = store.Register(context.Background(), activityToken("device-1", "t1"))
	if !errors.Is(err, liveactivity.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
