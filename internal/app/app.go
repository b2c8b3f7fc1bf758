// Package app wires the walkie-talkie translation subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Register mounts the HTTP routes that launch rooms, and
// Shutdown stops every room session and releases resources in order.
//
// For testing, inject mock implementations via functional options
// (WithRoomService, WithDirectory). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/walkietalk/internal/config"
	"github.com/MrWong99/walkietalk/internal/directory"
	"github.com/MrWong99/walkietalk/internal/health"
	"github.com/MrWong99/walkietalk/internal/observe"
	"github.com/MrWong99/walkietalk/internal/orchestrator"
	"github.com/MrWong99/walkietalk/internal/pipeline"
	"github.com/MrWong99/walkietalk/internal/translate"
	"github.com/MrWong99/walkietalk/pkg/provider/llm"
	"github.com/MrWong99/walkietalk/pkg/provider/stt"
	"github.com/MrWong99/walkietalk/pkg/provider/tts"
	"github.com/MrWong99/walkietalk/pkg/room"
	"github.com/MrWong99/walkietalk/pkg/room/livekit"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	rooms    room.Service
	dir      directory.Directory
	metrics  *observe.Metrics
	sessions *SessionManager
	handlers *Handlers
	checkers []health.Checker

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRoomService injects a room service instead of connecting to LiveKit.
func WithRoomService(s room.Service) Option {
	return func(a *App) { a.rooms = s }
}

// WithDirectory injects a membership directory instead of creating one from
// config.
func WithDirectory(d directory.Directory) Option {
	return func(a *App) { a.dir = d }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: directory connection and
// migration, room service setup, translation service, turn pipeline, and
// orchestrator assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Directory ─────────────────────────────────────────────────────
	if err := a.initDirectory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init directory: %w", err)
	}

	// ── 2. Room service ──────────────────────────────────────────────────
	if err := a.initRooms(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init rooms: %w", err)
	}

	// ── 3. Translation + pipeline + orchestrator ─────────────────────────
	orch, err := a.buildOrchestrator()
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build orchestrator: %w", err)
	}

	// ── 4. Session manager + HTTP surface ────────────────────────────────
	a.sessions = NewSessionManager(orch)
	a.handlers = NewHandlers(a.sessions, HandlerConfig{
		RoomPrefix:    cfg.LiveKit.RoomPrefix,
		AgentIdentity: cfg.LiveKit.AgentIdentity,
		APIKey:        cfg.LiveKit.APIKey,
		APISecret:     cfg.LiveKit.APISecret,
	})

	slog.Info("app initialised",
		"directory", cfg.Directory.Backend,
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"llm", cfg.Providers.LLM.Name,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initDirectory connects the configured membership backend unless one was
// injected.
func (a *App) initDirectory(ctx context.Context) error {
	if a.dir != nil {
		return nil
	}
	dc := a.cfg.Directory

	switch dc.Backend {
	case config.DirectoryStatic:
		store, err := directory.LoadStatic(dc.File, dc.DefaultLanguage)
		if err != nil {
			return err
		}
		a.dir = store
		slog.Info("loaded static directory", "file", dc.File)
		return nil

	case config.DirectoryPostgres, "":
		if dc.DSN == "" {
			return errors.New("directory.dsn is required when no directory is injected")
		}
		pool, err := directory.OpenPool(ctx, dc.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := directory.NewPostgresStore(pool, directory.WithDefaultLanguage(dc.DefaultLanguage))
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.dir = store
		a.checkers = append(a.checkers, health.Checker{Name: "directory", Check: store.Ping})
		return nil

	default:
		return fmt.Errorf("unknown directory backend %q", dc.Backend)
	}
}

// initRooms creates the LiveKit room service unless one was injected.
func (a *App) initRooms() error {
	if a.rooms != nil {
		return nil
	}
	lk := a.cfg.LiveKit
	svc, err := livekit.NewService(livekit.Config{
		URL:       lk.URL,
		APIKey:    lk.APIKey,
		APISecret: lk.APISecret,
		Identity:  lk.AgentIdentity,
		Name:      lk.AgentName,
		TokenTTL:  lk.TokenTTL,
	})
	if err != nil {
		return err
	}
	a.rooms = svc
	return nil
}

func (a *App) buildOrchestrator() (*orchestrator.Orchestrator, error) {
	var errs []error
	if a.providers.STT == nil {
		errs = append(errs, errors.New("an STT provider is required"))
	}
	if a.providers.TTS == nil {
		errs = append(errs, errors.New("a TTS provider is required"))
	}
	if a.providers.LLM == nil {
		errs = append(errs, errors.New("an LLM provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	tc := a.cfg.Turn
	translator, err := translate.New(a.providers.LLM,
		translate.WithMaxConcurrent(tc.MaxConcurrentTranslations),
		translate.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(a.providers.STT, translator, a.providers.TTS, pipeline.Config{
		Topic:             a.cfg.LiveKit.Topic,
		STTSampleRate:     tc.STTSampleRate,
		TTSSampleRate:     tc.TTSSampleRate,
		TranscriptTimeout: tc.TranscriptTimeout,
		DrainDelay:        tc.DrainDelay,
		Voices:            a.cfg.Voices,
	}, pipeline.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	return orchestrator.New(a.rooms, a.dir, pipe, orchestrator.Config{
		Topic:           a.cfg.LiveKit.Topic,
		AgentIdentity:   a.cfg.LiveKit.AgentIdentity,
		ArmPollInterval: tc.ArmPollInterval,
		SettlePeriod:    tc.SettlePeriod,
	}, orchestrator.WithMetrics(a.metrics))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the room session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Register mounts the room trigger, listing and webhook routes on mux.
func (a *App) Register(mux *http.ServeMux) { a.handlers.Register(mux) }

// HealthCheckers returns readiness probes for the app's dependencies.
func (a *App) HealthCheckers() []health.Checker {
	return append([]health.Checker(nil), a.checkers...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all room sessions and then releases resources. It respects
// the ctx deadline while waiting for rooms; closers run regardless. Calling
// it more than once returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if a.sessions != nil {
			if err := a.sessions.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, a.closeAll())
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
