package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/walkietalk/internal/app"
)

// ─── fakeRunner ──────────────────────────────────────────────────────────────

// fakeRunner blocks each Run until its context is cancelled or the room is
// released. It records how often each room was launched.
type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	chats   map[string]string
	release map[string]chan struct{}
	started chan string

	// lingerOn is spent after cancellation before Run returns.
	lingerOn time.Duration

	// ignoreCancel makes Run wait for finish even after cancellation.
	ignoreCancel bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls:   make(map[string]int),
		chats:   make(map[string]string),
		release: make(map[string]chan struct{}),
		started: make(chan string, 64),
	}
}

func (f *fakeRunner) Run(ctx context.Context, roomName, chatID string) error {
	f.mu.Lock()
	f.calls[roomName]++
	f.chats[roomName] = chatID
	rel, ok := f.release[roomName]
	if !ok {
		rel = make(chan struct{})
		f.release[roomName] = rel
	}
	linger := f.lingerOn
	ignore := f.ignoreCancel
	f.mu.Unlock()

	f.started <- roomName

	if ignore {
		<-rel
		return nil
	}
	select {
	case <-ctx.Done():
		time.Sleep(linger)
		return ctx.Err()
	case <-rel:
		return nil
	}
}

// finish lets the running session of roomName return.
func (f *fakeRunner) finish(roomName string) {
	f.mu.Lock()
	rel := f.release[roomName]
	delete(f.release, roomName)
	f.mu.Unlock()
	if rel != nil {
		close(rel)
	}
}

func (f *fakeRunner) count(roomName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[roomName]
}

func (f *fakeRunner) chat(roomName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[roomName]
}

func waitStarted(t *testing.T, f *fakeRunner, want string) {
	t.Helper()
	select {
	case got := <-f.started:
		if got != want {
			t.Fatalf("started room: want %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("room %q never started", want)
	}
}

func waitInactive(t *testing.T, sm *app.SessionManager, roomName string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		active := false
		for _, s := range sm.Active() {
			if s.Room == roomName {
				active = true
			}
		}
		if !active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %q still active", roomName)
}

// ─── EnsurePipeline ──────────────────────────────────────────────────────────

func TestSessionManager_EnsurePipelineIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	sm := app.NewSessionManager(f)
	defer func() { _ = sm.Shutdown(context.Background()) }()

	started, err := sm.EnsurePipeline(context.Background(), "chat-42", "42")
	if err != nil || !started {
		t.Fatalf("first EnsurePipeline: started=%v err=%v", started, err)
	}
	waitStarted(t, f, "chat-42")

	started, err = sm.EnsurePipeline(context.Background(), "chat-42", "42")
	if err != nil || started {
		t.Fatalf("second EnsurePipeline: want started=false, got started=%v err=%v", started, err)
	}
	if n := f.count("chat-42"); n != 1 {
		t.Errorf("runner calls: want 1, got %d", n)
	}
}

func TestSessionManager_ConcurrentEnsureStartsOnce(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	sm := app.NewSessionManager(f)
	defer func() { _ = sm.Shutdown(context.Background()) }()

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := sm.EnsurePipeline(context.Background(), "chat-7", "7")
			if err != nil {
				t.Errorf("EnsurePipeline: %v", err)
				return
			}
			if ok {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	waitStarted(t, f, "chat-7")

	if started != 1 {
		t.Errorf("started sessions: want 1, got %d", started)
	}
	if n := f.count("chat-7"); n != 1 {
		t.Errorf("runner calls: want 1, got %d", n)
	}
}

func TestSessionManager_SessionOutlivesRequestContext(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	sm := app.NewSessionManager(f)
	defer func() { _ = sm.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := sm.EnsurePipeline(ctx, "chat-1", "1"); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, f, "chat-1")
	cancel()

	time.Sleep(20 * time.Millisecond)
	if got := sm.Active(); len(got) != 1 {
		t.Errorf("want session still active after request cancel, got %v", got)
	}
}

func TestSessionManager_FinishedSessionCanRelaunch(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	sm := app.NewSessionManager(f)
	defer func() { _ = sm.Shutdown(context.Background()) }()

	if _, err := sm.EnsurePipeline(context.Background(), "chat-1", "1"); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, f, "chat-1")
	f.finish("chat-1")
	waitInactive(t, sm, "chat-1")

	started, err := sm.EnsurePipeline(context.Background(), "chat-1", "1")
	if err != nil || !started {
		t.Fatalf("relaunch: started=%v err=%v", started, err)
	}
	waitStarted(t, f, "chat-1")
	if n := f.count("chat-1"); n != 2 {
		t.Errorf("runner calls: want 2, got %d", n)
	}
}

func TestSessionManager_Validation(t *testing.T) {
	t.Parallel()
	sm := app.NewSessionManager(newFakeRunner())
	if _, err := sm.EnsurePipeline(context.Background(), "", "1"); err == nil {
		t.Error("want error for empty room")
	}
	if _, err := sm.EnsurePipeline(context.Background(), "chat-1", ""); err == nil {
		t.Error("want error for empty chat id")
	}
}

// ─── Stop / Shutdown ─────────────────────────────────────────────────────────

func TestSessionManager_StopKeepsEntryUntilExit(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	f.lingerOn = 50 * time.Millisecond
	sm := app.NewSessionManager(f)
	defer func() { _ = sm.Shutdown(context.Background()) }()

	if _, err := sm.EnsurePipeline(context.Background(), "chat-1", "1"); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, f, "chat-1")

	if !sm.Stop("chat-1") {
		t.Fatal("Stop: want true for running room")
	}
	// The old session still holds the room while it leaves.
	started, err := sm.EnsurePipeline(context.Background(), "chat-1", "1")
	if err != nil || started {
		t.Errorf("EnsurePipeline during stop: want started=false, got started=%v err=%v", started, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Wait(ctx, "chat-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	waitInactive(t, sm, "chat-1")

	if sm.Stop("chat-1") {
		t.Error("Stop: want false for stopped room")
	}
}

func TestSessionManager_ShutdownWaitsAndRejects(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	sm := app.NewSessionManager(f)

	for _, r := range []string{"chat-1", "chat-2"} {
		if _, err := sm.EnsurePipeline(context.Background(), r, r[len("chat-"):]); err != nil {
			t.Fatal(err)
		}
		waitStarted(t, f, r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := sm.Active(); len(got) != 0 {
		t.Errorf("want no active sessions after shutdown, got %v", got)
	}

	if _, err := sm.EnsurePipeline(context.Background(), "chat-3", "3"); !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("want ErrShuttingDown, got %v", err)
	}
	if err := sm.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestSessionManager_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	f.ignoreCancel = true
	sm := app.NewSessionManager(f)

	if _, err := sm.EnsurePipeline(context.Background(), "chat-1", "1"); err != nil {
		t.Fatal(err)
	}
	waitStarted(t, f, "chat-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := sm.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
	f.finish("chat-1")
}

// ─── Active / naming ─────────────────────────────────────────────────────────

func TestSessionManager_ActiveIsSorted(t *testing.T) {
	t.Parallel()
	f := newFakeRunner()
	sm := app.NewSessionManager(f)
	defer func() { _ = sm.Shutdown(context.Background()) }()

	for _, id := range []string{"9", "1", "5"} {
		if _, err := sm.EnsurePipeline(context.Background(), "chat-"+id, id); err != nil {
			t.Fatal(err)
		}
	}
	got := sm.Active()
	if len(got) != 3 {
		t.Fatalf("want 3 sessions, got %d", len(got))
	}
	for i, want := range []string{"chat-1", "chat-5", "chat-9"} {
		if got[i].Room != want {
			t.Errorf("Active()[%d]: want %q, got %q", i, want, got[i].Room)
		}
	}
	if got[0].ChatID != "1" || got[0].StartedAt.IsZero() {
		t.Errorf("session info: got %+v", got[0])
	}
}

func TestChatIDFromRoom(t *testing.T) {
	t.Parallel()
	tests := []struct {
		room   string
		want   string
		wantOK bool
	}{
		{"chat-42", "42", true},
		{"chat-abc-def", "abc-def", true},
		{"chat-", "", false},
		{"lobby", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := app.ChatIDFromRoom("chat-", tt.room)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ChatIDFromRoom(%q): want (%q, %v), got (%q, %v)", tt.room, tt.want, tt.wantOK, got, ok)
		}
	}
	if got := app.RoomForChat("chat-", "42"); got != "chat-42" {
		t.Errorf("RoomForChat: want chat-42, got %q", got)
	}
}
