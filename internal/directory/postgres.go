package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the tables read by [PostgresStore]. Execute it
// via [PostgresStore.Migrate] or apply it manually during deployment. The
// chat service owns these tables in production.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    username        TEXT NOT NULL DEFAULT '',
    native_language TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS chats (
    id         TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS chat_members (
    chat_id  TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    user_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (chat_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_members_chat ON chat_members(chat_id, position);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Directory] backed by a PostgreSQL database.
type PostgresStore struct {
	db              DB
	defaultLanguage string
}

// Compile-time interface check.
var _ Directory = (*PostgresStore)(nil)

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithDefaultLanguage sets the language assigned to members without one.
func WithDefaultLanguage(lang string) PostgresOption {
	return func(s *PostgresStore) { s.defaultLanguage = lang }
}

// NewPostgresStore creates a [PostgresStore] that uses the given database
// connection or pool.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, defaultLanguage: DefaultLanguage}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenPool connects to dsn and verifies the connection. The caller closes
// the pool.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("directory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

// Ping checks database reachability when the underlying DB supports it.
func (s *PostgresStore) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("directory: ping: %w", err)
	}
	return nil
}

// ChatMembers implements [Directory].
func (s *PostgresStore) ChatMembers(ctx context.Context, chatID string) ([]Member, error) {
	const query = `
		SELECT u.id, u.username, u.native_language
		FROM chat_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = $1
		ORDER BY m.position, u.id
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, chatID, MaxMembers)
	if err != nil {
		return nil, fmt.Errorf("directory: chat members %q: %w", chatID, err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Username, &m.Language); err != nil {
			return nil, fmt.Errorf("directory: scan member: %w", err)
		}
		members = append(members, withDefaultLanguage(m, s.defaultLanguage))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: chat members %q: %w", chatID, err)
	}
	return members, nil
}

// Profile implements [Directory].
func (s *PostgresStore) Profile(ctx context.Context, userID string) (Member, error) {
	const query = `SELECT id, username, native_language FROM users WHERE id = $1`

	var m Member
	err := s.db.QueryRow(ctx, query, userID).Scan(&m.ID, &m.Username, &m.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, fmt.Errorf("directory: user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return Member{}, fmt.Errorf("directory: profile %q: %w", userID, err)
	}
	return withDefaultLanguage(m, s.defaultLanguage), nil
}

// AddMember inserts or updates userID and adds it to chatID at position.
// The chat row is created when missing.
func (s *PostgresStore) AddMember(ctx context.Context, chatID string, position int, m Member) error {
	const upsertUser = `
		INSERT INTO users (id, username, native_language) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username,
		                               native_language = EXCLUDED.native_language`
	const upsertChat = `INSERT INTO chats (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	const upsertMember = `
		INSERT INTO chat_members (chat_id, user_id, position) VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET position = EXCLUDED.position`

	if _, err := s.db.Exec(ctx, upsertUser, m.ID, m.Username, m.Language); err != nil {
		return fmt.Errorf("directory: upsert user %q: %w", m.ID, err)
	}
	if _, err := s.db.Exec(ctx, upsertChat, chatID); err != nil {
		return fmt.Errorf("directory: upsert chat %q: %w", chatID, err)
	}
	if _, err := s.db.Exec(ctx, upsertMember, chatID, m.ID, position); err != nil {
		return fmt.Errorf("directory: add member %q to %q: %w", m.ID, chatID, err)
	}
	return nil
}
