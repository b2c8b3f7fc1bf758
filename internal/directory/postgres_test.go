package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data   [][]string
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		d, ok := dest[i].(*string)
		if !ok {
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
		*d = v
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Query logic
// ---------------------------------------------------------------------------

func TestPostgresStore_ChatMembers(t *testing.T) {
	t.Parallel()

	rows := &mockRows{data: [][]string{
		{"alice", "Alice", "en"},
		{"bob", "Bob", ""},
	}}
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		if !strings.Contains(sql, "chat_members") {
			t.Errorf("unexpected query: %s", sql)
		}
		gotArgs = args
		return rows, nil
	}}
	s := NewPostgresStore(db, WithDefaultLanguage("de"))

	members, err := s.ChatMembers(context.Background(), "42")
	if err != nil {
		t.Fatalf("ChatMembers: %v", err)
	}
	want := []Member{
		{ID: "alice", Username: "Alice", Language: "en"},
		{ID: "bob", Username: "Bob", Language: "de"},
	}
	if len(members) != len(want) {
		t.Fatalf("want %d members, got %d", len(want), len(members))
	}
	for i := range want {
		if members[i] != want[i] {
			t.Errorf("member %d: want %+v, got %+v", i, want[i], members[i])
		}
	}
	if len(gotArgs) != 2 || gotArgs[0] != "42" || gotArgs[1] != MaxMembers {
		t.Errorf("query args: got %v", gotArgs)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresStore_ChatMembersErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	t.Run("query", func(t *testing.T) {
		t.Parallel()
		s := NewPostgresStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return nil, boom
		}})
		if _, err := s.ChatMembers(context.Background(), "1"); !errors.Is(err, boom) {
			t.Fatalf("want boom, got %v", err)
		}
	})

	t.Run("rows", func(t *testing.T) {
		t.Parallel()
		s := NewPostgresStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{err: boom}, nil
		}})
		if _, err := s.ChatMembers(context.Background(), "1"); !errors.Is(err, boom) {
			t.Fatalf("want boom, got %v", err)
		}
	})
}

func TestPostgresStore_Profile(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*dest[0].(*string) = args[0].(string)
				*dest[1].(*string) = "Bob"
				*dest[2].(*string) = "es"
				return nil
			}}
		}}
		m, err := NewPostgresStore(db).Profile(context.Background(), "bob")
		if err != nil {
			t.Fatalf("Profile: %v", err)
		}
		if m != (Member{ID: "bob", Username: "Bob", Language: "es"}) {
			t.Errorf("got %+v", m)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		_, err := NewPostgresStore(&mockDB{}).Profile(context.Background(), "ghost")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var executed string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, table := range []string{"users", "chats", "chat_members"} {
		if !strings.Contains(executed, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

// ---------------------------------------------------------------------------
// Integration
// ---------------------------------------------------------------------------

// testDSN returns the test database DSN from the environment, or skips the
// test if WALKIETALK_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("WALKIETALK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WALKIETALK_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := OpenPool(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS chat_members, chats, users`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	seed := []Member{
		{ID: "alice", Username: "Alice", Language: "en"},
		{ID: "bob", Username: "Bob", Language: "es"},
		{ID: "carol", Username: "Carol"},
	}
	for i, m := range seed {
		if err := s.AddMember(ctx, "42", i, m); err != nil {
			t.Fatalf("AddMember(%s): %v", m.ID, err)
		}
	}

	members, err := s.ChatMembers(ctx, "42")
	if err != nil {
		t.Fatalf("ChatMembers: %v", err)
	}
	if len(members) != MaxMembers || members[0].ID != "alice" || members[1].ID != "bob" {
		t.Fatalf("want alice and bob, got %+v", members)
	}

	carol, err := s.Profile(ctx, "carol")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if carol.Language != DefaultLanguage {
		t.Errorf("default language: want %q, got %q", DefaultLanguage, carol.Language)
	}

	if _, err := s.Profile(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}

	empty, err := s.ChatMembers(ctx, "unknown")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown chat: want no members and no error, got %v, %v", empty, err)
	}
}
