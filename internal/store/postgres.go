package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresSessionStore is a pgx-backed SessionStore for multi-node
// deployments. The session document is stored as JSONB with the lookup
// columns extracted; the version column carries the CAS check into SQL.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore connects and runs the schema migration.
func NewPostgresSessionStore(ctx context.Context, connURL string) (*PostgresSessionStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("sessions connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessions ping: %w", err)
	}
	s := &PostgresSessionStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessions migrate: %w", err)
	}
	log.Info().Msg("Postgres session store initialized")
	return s, nil
}

func (s *PostgresSessionStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS ab_sessions (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			version         BIGINT NOT NULL,
			expire_at       TIMESTAMPTZ NOT NULL,
			data            JSONB NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS ab_sessions_active_uq
			ON ab_sessions (conversation_id, user_id) WHERE active;
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Close releases the connection pool.
func (s *PostgresSessionStore) Close() { s.pool.Close() }

// Save creates (Version 0) or CAS-updates a session.
func (s *PostgresSessionStore) Save(ctx context.Context, session *models.ParamCollectionSession) error {
	next := *session
	next.Version = session.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if session.Version == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO ab_sessions (id, conversation_id, user_id, active, version, expire_at, data)
			VALUES ($1, $2, $3, $4, 1, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			session.SessionID, session.ConversationID, session.UserID,
			session.Active, session.ExpireAt, data)
		if err != nil {
			// The partial unique index on (conversation_id, user_id) WHERE
			// active turns a racing first turn into a conflict, not a
			// second active session.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrConflict
			}
			return fmt.Errorf("insert session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
	} else {
		tag, err := s.pool.Exec(ctx, `
			UPDATE ab_sessions
			SET active = $3, version = version + 1, expire_at = $4, data = $5, updated_at = NOW()
			WHERE id = $1 AND version = $2`,
			session.SessionID, session.Version,
			session.Active, session.ExpireAt, data)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a lost race from a missing row.
			var exists bool
			if err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM ab_sessions WHERE id = $1)`,
				session.SessionID).Scan(&exists); err != nil {
				return fmt.Errorf("check session: %w", err)
			}
			if exists {
				return ErrConflict
			}
			return ErrNotFound
		}
	}
	session.Version = next.Version
	return nil
}

// GetByID returns the session, sweeping it when expired.
func (s *PostgresSessionStore) GetByID(ctx context.Context, id string) (*models.ParamCollectionSession, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM ab_sessions WHERE id = $1 AND expire_at > NOW()`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either absent or expired; sweeping tells us which.
		tag, delErr := s.pool.Exec(ctx, `DELETE FROM ab_sessions WHERE id = $1`, id)
		if delErr == nil && tag.RowsAffected() > 0 {
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return unmarshalSession(data)
}

// GetActiveByConversation returns the active, unexpired session for the pair.
func (s *PostgresSessionStore) GetActiveByConversation(ctx context.Context, conversationID, userID string) (*models.ParamCollectionSession, error) {
	q := `SELECT data FROM ab_sessions
		WHERE conversation_id = $1 AND active AND expire_at > NOW()`
	args := []any{conversationID}
	if userID != "" {
		q += ` AND user_id = $2`
		args = append(args, userID)
	}
	q += ` ORDER BY updated_at DESC LIMIT 1`

	var data []byte
	err := s.pool.QueryRow(ctx, q, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		tag, delErr := s.pool.Exec(ctx,
			`DELETE FROM ab_sessions WHERE conversation_id = $1 AND expire_at <= NOW()`, conversationID)
		if delErr == nil && tag.RowsAffected() > 0 {
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return unmarshalSession(data)
}

// Delete removes a session by id.
func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ab_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupExpired sweeps all expired sessions.
func (s *PostgresSessionStore) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ab_sessions WHERE expire_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func unmarshalSession(data []byte) (*models.ParamCollectionSession, error) {
	var sess models.ParamCollectionSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}
