package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
	"github.com/lalithlochan/classpush/internal/metrics"
)

// TokenRepository is the PostgreSQL TokenStore. Row-level upserts and
// deletes on the (device_id, kind, activity_id) primary key serialize writes
// per key.
type TokenRepository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *DB, logger *zap.Logger) *TokenRepository {
	return &TokenRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", liveactivity.ErrStoreUnavailable, op, err)
}

const tokenColumns = `device_id, kind, activity_id, token, bundle_id, grade, class_number, registered_at`

// Register validates and upserts a token by its key
func (r *TokenRepository) Register(ctx context.Context, token liveactivity.PushToken) error {
	if err := token.Validate(); err != nil {
		return err
	}
	token = token.Normalize(r.now())

	query := `
		INSERT INTO push_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, kind, activity_id) DO UPDATE SET
			token         = EXCLUDED.token,
			bundle_id     = EXCLUDED.bundle_id,
			grade         = EXCLUDED.grade,
			class_number  = EXCLUDED.class_number,
			registered_at = EXCLUDED.registered_at,
			updated_at    = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		token.DeviceID,
		string(token.Kind),
		token.ActivityID,
		token.Token,
		token.BundleID,
		token.Grade,
		token.ClassNumber,
		token.RegisteredAt,
	)
	if err != nil {
		r.logger.Error("failed to register token",
			zap.Error(err),
			zap.String("key", token.Key().String()),
		)
		return storeErr("upsert token", err)
	}

	metrics.RecordTokenRegistered(string(token.Kind))
	r.logger.Info("token registered",
		zap.String("key", token.Key().String()),
		zap.Time("registered_at", token.RegisteredAt),
	)

	return nil
}

// ListByKind returns every token of one kind
func (r *TokenRepository) ListByKind(ctx context.Context, kind liveactivity.Kind) ([]liveactivity.PushToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM push_tokens WHERE kind = $1 ORDER BY registered_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, string(kind))
	if err != nil {
		return nil, storeErr("query tokens by kind", err)
	}
	return scanTokens(rows)
}

// List returns every stored token
func (r *TokenRepository) List(ctx context.Context) ([]liveactivity.PushToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM push_tokens ORDER BY kind, registered_at ASC`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, storeErr("query tokens", err)
	}
	return scanTokens(rows)
}

func scanTokens(rows pgx.Rows) ([]liveactivity.PushToken, error) {
	defer rows.Close()

	tokens := []liveactivity.PushToken{}
	for rows.Next() {
		var (
			t    liveactivity.PushToken
			kind string
		)
		err := rows.Scan(
			&t.DeviceID,
			&kind,
			&t.ActivityID,
			&t.Token,
			&t.BundleID,
			&t.Grade,
			&t.ClassNumber,
			&t.RegisteredAt,
		)
		if err != nil {
			return nil, storeErr("scan token", err)
		}
		t.Kind = liveactivity.Kind(kind)
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate tokens", err)
	}

	return tokens, nil
}

// Remove deletes a token by key. Missing rows are not an error.
func (r *TokenRepository) Remove(ctx context.Context, key liveactivity.TokenKey) error {
	query := `DELETE FROM push_tokens WHERE device_id = $1 AND kind = $2 AND activity_id = $3`

	tag, err := r.db.Pool().Exec(ctx, query, key.DeviceID, string(key.Kind), key.ActivityID)
	if err != nil {
		return storeErr("delete token", err)
	}

	r.logger.Info("token removed",
		zap.String("key", key.String()),
		zap.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

// RemoveIfToken deletes the row only while it still holds token
func (r *TokenRepository) RemoveIfToken(ctx context.Context, key liveactivity.TokenKey, token string) (bool, error) {
	query := `
		DELETE FROM push_tokens
		WHERE device_id = $1 AND kind = $2 AND activity_id = $3 AND token = $4
	`

	tag, err := r.db.Pool().Exec(ctx, query, key.DeviceID, string(key.Kind), key.ActivityID, token)
	if err != nil {
		return false, storeErr("conditional delete token", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Stats returns per-kind counts and the latest registration time
func (r *TokenRepository) Stats(ctx context.Context) (liveactivity.Stats, error) {
	query := `SELECT kind, COUNT(*), MAX(registered_at) FROM push_tokens GROUP BY kind`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return liveactivity.Stats{}, storeErr("query token stats", err)
	}
	defer rows.Close()

	stats := liveactivity.NewStats()
	for rows.Next() {
		var (
			kind   string
			count  int
			latest time.Time
		)
		if err := rows.Scan(&kind, &count, &latest); err != nil {
			return liveactivity.Stats{}, storeErr("scan token stats", err)
		}

		stats.CountsByKind[liveactivity.Kind(kind)] = count
		stats.Total += count
		if stats.LastRegisteredAt == nil || latest.After(*stats.LastRegisteredAt) {
			l := latest.UTC()
			stats.LastRegisteredAt = &l
		}
	}
	if err := rows.Err(); err != nil {
		return liveactivity.Stats{}, storeErr("iterate token stats", err)
	}

	return stats, nil
}
