// Package config provides the configuration schema, loader, and provider
// registry for the walkie-talkie translation agent.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DirectoryBackend selects where chat membership is read from.
type DirectoryBackend string

const (
	// DirectoryPostgres reads members and profiles from PostgreSQL.
	DirectoryPostgres DirectoryBackend = "postgres"

	// DirectoryStatic reads members and profiles from a YAML file.
	DirectoryStatic DirectoryBackend = "static"
)

// IsValid reports whether b is a recognised directory backend.
func (b DirectoryBackend) IsValid() bool {
	return b == DirectoryPostgres || b == DirectoryStatic
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	LiveKit   LiveKitConfig     `yaml:"livekit"`
	Providers ProvidersConfig   `yaml:"providers"`
	Voices    map[string]string `yaml:"voices"`
	Directory DirectoryConfig   `yaml:"directory"`
	Turn      TurnConfig        `yaml:"turn"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the share of traces kept, in [0, 1]. Zero keeps
	// every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LiveKitConfig holds the media server address and the agent's identity.
type LiveKitConfig struct {
	// URL is the LiveKit server WebSocket URL.
	URL string `yaml:"url"`

	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// AgentIdentity is the participant identity the agent joins with. Data
	// from this identity is ignored.
	AgentIdentity string `yaml:"agent_identity"`

	// AgentName is the display name of the agent participant.
	AgentName string `yaml:"agent_name"`

	// TokenTTL is the validity of each join token.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// RoomPrefix is prepended to a chat id to form the room name.
	RoomPrefix string `yaml:"room_prefix"`

	// Topic is the data topic carrying turn signals.
	Topic string `yaml:"topic"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`

	// The *Fallback lists name backends tried in order when the primary of
	// that stage fails or its circuit is open. STT and TTS fail over only
	// when a session cannot be opened.
	STTFallback []ProviderEntry `yaml:"stt_fallback"`
	TTSFallback []ProviderEntry `yaml:"tts_fallback"`
	LLMFallback []ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// DirectoryConfig selects and configures the membership backend.
type DirectoryConfig struct {
	Backend DirectoryBackend `yaml:"backend"`

	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	// File is the YAML file read by the static backend.
	File string `yaml:"file"`

	// DefaultLanguage is used for members without a declared language.
	DefaultLanguage string `yaml:"default_language"`
}

// TurnConfig tunes the per-turn behaviour.
type TurnConfig struct {
	ArmPollInterval           time.Duration `yaml:"arm_poll_interval"`
	SettlePeriod              time.Duration `yaml:"settle_period"`
	TranscriptTimeout         time.Duration `yaml:"transcript_timeout"`
	DrainDelay                time.Duration `yaml:"drain_delay"`
	STTSampleRate             int           `yaml:"stt_sample_rate"`
	TTSSampleRate             int           `yaml:"tts_sample_rate"`
	MaxConcurrentTranslations int           `yaml:"max_concurrent_translations"`
}
