package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/walkietalk/internal/observe"
	"github.com/MrWong99/walkietalk/internal/orchestrator"
)

// ErrShuttingDown is returned by [SessionManager.EnsurePipeline] once
// [SessionManager.Shutdown] has been called.
var ErrShuttingDown = errors.New("app: shutting down")

// RoomRunner serves one room until it ends. [*orchestrator.Orchestrator]
// implements it.
type RoomRunner interface {
	Run(ctx context.Context, roomName, chatID string) error
}

var _ RoomRunner = (*orchestrator.Orchestrator)(nil)

// SessionInfo holds metadata about an active room session.
type SessionInfo struct {
	// Room is the media room name.
	Room string `json:"room"`

	// ChatID is the chat whose members are served in the room.
	ChatID string `json:"chat_id"`

	// StartedAt is when the session was launched.
	StartedAt time.Time `json:"started_at"`
}

type roomSession struct {
	info   SessionInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionManager keeps at most one running orchestrator per room.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	runner RoomRunner

	// base parents every session context so that sessions outlive the
	// request that launched them.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*roomSession
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a SessionManager that launches rooms on runner.
func NewSessionManager(runner RoomRunner) *SessionManager {
	base, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		runner:     runner,
		base:       base,
		cancelBase: cancel,
		sessions:   make(map[string]*roomSession),
	}
}

// EnsurePipeline starts serving roomName for chatID unless the room already
// has a running session. It reports whether a new session was launched.
// The check and the registration happen under one lock, so concurrent
// callers for the same room launch exactly one session.
//
// ctx only scopes the call; the session runs until it ends on its own, is
// stopped, or the manager shuts down.
func (sm *SessionManager) EnsurePipeline(ctx context.Context, roomName, chatID string) (bool, error) {
	if roomName == "" {
		return false, errors.New("app: room name must not be empty")
	}
	if chatID == "" {
		return false, fmt.Errorf("app: room %q: chat id must not be empty", roomName)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return false, ErrShuttingDown
	}
	if _, ok := sm.sessions[roomName]; ok {
		return false, nil
	}

	sctx, cancel := context.WithCancel(sm.base)
	s := &roomSession{
		info: SessionInfo{
			Room:      roomName,
			ChatID:    chatID,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sm.sessions[roomName] = s
	sm.wg.Add(1)
	go sm.run(sctx, s)

	observe.Logger(ctx).Info("room session started", "room", roomName, "chat_id", chatID)
	return true, nil
}

func (sm *SessionManager) run(ctx context.Context, s *roomSession) {
	defer sm.wg.Done()
	defer close(s.done)
	defer s.cancel()

	err := sm.runner.Run(ctx, s.info.Room, s.info.ChatID)

	sm.mu.Lock()
	if sm.sessions[s.info.Room] == s {
		delete(sm.sessions, s.info.Room)
	}
	sm.mu.Unlock()

	log := slog.With("room", s.info.Room, "chat_id", s.info.ChatID,
		"uptime", time.Since(s.info.StartedAt).Round(time.Millisecond))
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("room session ended")
	case errors.Is(err, orchestrator.ErrTooFewMembers):
		log.Warn("room session not started", "err", err)
	default:
		log.Error("room session failed", "err", err)
	}
}

// Stop cancels the session of roomName and reports whether one was
// running. The session stays registered until it has left the room.
func (sm *SessionManager) Stop(roomName string) bool {
	sm.mu.Lock()
	s, ok := sm.sessions[roomName]
	sm.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	return true
}

// Wait blocks until the session of roomName has ended or ctx is done.
// It returns immediately when the room has no session.
func (sm *SessionManager) Wait(ctx context.Context, roomName string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[roomName]
	sm.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the running sessions sorted by room name.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Shutdown rejects new sessions, cancels the running ones and waits for
// them to leave their rooms. It returns ctx's error if they do not finish
// in time. Calling it more than once is safe.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	n := len(sm.sessions)
	sm.mu.Unlock()
	sm.cancelBase()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all room sessions stopped", "count", n)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: wait for room sessions: %w", ctx.Err())
	}
}

// ChatIDFromRoom returns the chat id encoded in a room named
// prefix+chatID. The second result is false when roomName does not carry
// the prefix or has nothing after it.
func ChatIDFromRoom(prefix, roomName string) (string, bool) {
	id, ok := strings.CutPrefix(roomName, prefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// RoomForChat returns the room name of chatID.
func RoomForChat(prefix, chatID string) string {
	return prefix + chatID
}
