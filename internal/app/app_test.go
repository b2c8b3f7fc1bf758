package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/walkietalk/internal/app"
	"github.com/MrWong99/walkietalk/internal/config"
	"github.com/MrWong99/walkietalk/internal/directory"
	dirmock "github.com/MrWong99/walkietalk/internal/directory/mock"
	"github.com/MrWong99/walkietalk/internal/observe"
	"github.com/MrWong99/walkietalk/internal/signal"
	"github.com/MrWong99/walkietalk/pkg/audio"
	"github.com/MrWong99/walkietalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/walkietalk/pkg/provider/llm/mock"
	"github.com/MrWong99/walkietalk/pkg/provider/stt"
	sttmock "github.com/MrWong99/walkietalk/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/walkietalk/pkg/provider/tts/mock"
	"github.com/MrWong99/walkietalk/pkg/room"
	roommock "github.com/MrWong99/walkietalk/pkg/room/mock"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		LiveKit: config.LiveKitConfig{
			URL:       "ws://localhost:7880",
			APIKey:    testAPIKey,
			APISecret: testAPISecret,
		},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "mock"},
			TTS: config.ProviderEntry{Name: "mock"},
			LLM: config.ProviderEntry{Name: "mock"},
		},
		Directory: config.DirectoryConfig{Backend: config.DirectoryStatic},
	}
	config.ApplyDefaults(cfg)
	cfg.Turn.DrainDelay = -1
	cfg.Turn.SettlePeriod = time.Minute
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{},
		app.WithRoomService(&roommock.Service{}),
		app.WithDirectory(&dirmock.Directory{}),
	)
	if err == nil {
		t.Fatal("want error without providers")
	}
	for _, want := range []string{"STT", "TTS", "LLM"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestNew_StaticDirectoryFromConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "members.yaml")
	doc := "chats:\n  \"42\": [A, B]\nusers:\n  A: { native_language: en }\n  B: { native_language: es }\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Directory.File = path

	a, err := app.New(context.Background(), cfg, &app.Providers{
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
		LLM: &llmmock.Provider{},
	}, app.WithRoomService(&roommock.Service{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.HealthCheckers()) != 0 {
		t.Errorf("static directory should register no health checks")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNew_BadDirectory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing static file", func(c *config.Config) { c.Directory.File = filepath.Join(t.TempDir(), "absent.yaml") }},
		{"postgres without dsn", func(c *config.Config) { c.Directory.Backend = config.DirectoryPostgres }},
		{"unknown backend", func(c *config.Config) { c.Directory.Backend = "redis" }},
	}
	for _, tt := range tests {
		cfg := testConfig()
		tt.mutate(cfg)
		_, err := app.New(context.Background(), cfg, &app.Providers{
			STT: &sttmock.Provider{},
			TTS: &ttsmock.Provider{},
			LLM: &llmmock.Provider{},
		}, app.WithRoomService(&roommock.Service{}))
		if err == nil {
			t.Errorf("%s: want error", tt.name)
		}
	}
}

func TestApp_TriggerServesRoom(t *testing.T) {
	t.Parallel()

	r := roommock.NewRoom("chat-42")
	r.SetParticipants("A", "B")
	svc := &roommock.Service{JoinResult: r}
	dir := &dirmock.Directory{Members: map[string][]directory.Member{
		"42": {{ID: "A", Language: "en"}, {ID: "B", Language: "es"}},
	}}

	sess := sttmock.NewSession()
	sess.OnCommit = []stt.Result{{Kind: stt.ResultCommitted, Text: "Good morning", Final: true}}
	llmP := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Buenos días"}}
	ttsP := &ttsmock.Provider{Chunks: [][]byte{make([]byte, 960)}}

	a, err := app.New(context.Background(), testConfig(), &app.Providers{
		STT: &sttmock.Provider{Session: sess},
		TTS: ttsP,
		LLM: llmP,
	}, app.WithRoomService(svc), app.WithDirectory(dir), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mux := http.NewServeMux()
	a.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rooms/chat-42/pipeline", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: want 202, got %d (%s)", rec.Code, rec.Body.String())
	}

	waitUntil(t, "room joined", func() bool { return svc.CallCountJoin() == 1 })
	waitUntil(t, "members resolved", func() bool { return dir.CallCountChatMembers() == 1 })

	frames := []audio.AudioFrame{{Data: make([]byte, 1920), SampleRate: 48000, Channels: 1}}
	src := &roommock.Source{ID: "A", FramesToSend: frames}
	r.AddSource(src)
	payload, _ := signal.NewRecordingStart("A").Bytes()
	r.Emit(room.Event{Type: room.EventData, Identity: "A", Topic: signal.Topic, Payload: payload})
	r.Emit(room.Event{Type: room.EventTrackSubscribed, Identity: "A", Source: src})

	waitUntil(t, "TURN_COMPLETE", func() bool {
		for _, m := range r.Messages() {
			if signal.Parse(m.Payload).Kind == signal.TurnComplete {
				return true
			}
		}
		return false
	})
	if texts := ttsP.Texts(); !slices.Equal(texts, []string{"Buenos días"}) {
		t.Errorf("synthesized: want [Buenos días], got %q", texts)
	}

	if got := a.Sessions().Active(); len(got) != 1 || got[0].ChatID != "42" {
		t.Errorf("active sessions: got %+v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := r.Disconnects(); n != 1 {
		t.Errorf("disconnects: want 1, got %d", n)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
