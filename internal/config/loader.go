package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr                = ":8080"
	DefaultAgentIdentity             = "translation-agent"
	DefaultAgentName                 = "Translation Agent"
	DefaultTokenTTL                  = 2 * time.Hour
	DefaultRoomPrefix                = "chat-"
	DefaultTopic                     = "walkie-talkie"
	DefaultLanguage                  = "en"
	DefaultArmPollInterval           = time.Second
	DefaultSettlePeriod              = 5 * time.Second
	DefaultTranscriptTimeout         = 5 * time.Second
	DefaultDrainDelay                = 2 * time.Second
	DefaultSTTSampleRate             = 16000
	DefaultTTSSampleRate             = 24000
	DefaultMaxConcurrentTranslations = 8
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"elevenlabs", "deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs"},
}

// envRef matches ${NAME} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${NAME} with the value of the environment variable
// NAME. Unset variables expand to the empty string. A bare $ is left alone.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills every zero-valued setting with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	lk := &cfg.LiveKit
	if lk.AgentIdentity == "" {
		lk.AgentIdentity = DefaultAgentIdentity
	}
	if lk.AgentName == "" {
		lk.AgentName = DefaultAgentName
	}
	if lk.TokenTTL == 0 {
		lk.TokenTTL = DefaultTokenTTL
	}
	if lk.RoomPrefix == "" {
		lk.RoomPrefix = DefaultRoomPrefix
	}
	if lk.Topic == "" {
		lk.Topic = DefaultTopic
	}

	if cfg.Directory.Backend == "" {
		cfg.Directory.Backend = DirectoryPostgres
	}
	if cfg.Directory.DefaultLanguage == "" {
		cfg.Directory.DefaultLanguage = DefaultLanguage
	}

	t := &cfg.Turn
	if t.ArmPollInterval == 0 {
		t.ArmPollInterval = DefaultArmPollInterval
	}
	if t.SettlePeriod == 0 {
		t.SettlePeriod = DefaultSettlePeriod
	}
	if t.TranscriptTimeout == 0 {
		t.TranscriptTimeout = DefaultTranscriptTimeout
	}
	if t.DrainDelay == 0 {
		t.DrainDelay = DefaultDrainDelay
	}
	if t.STTSampleRate == 0 {
		t.STTSampleRate = DefaultSTTSampleRate
	}
	if t.TTSSampleRate == 0 {
		t.TTSSampleRate = DefaultTTSSampleRate
	}
	if t.MaxConcurrentTranslations == 0 {
		t.MaxConcurrentTranslations = DefaultMaxConcurrentTranslations
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	// LiveKit
	if cfg.LiveKit.URL == "" {
		errs = append(errs, errors.New("livekit.url is required"))
	}
	if cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		errs = append(errs, errors.New("livekit.api_key and livekit.api_secret are required"))
	}
	if cfg.LiveKit.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("livekit.token_ttl %v must be positive", cfg.LiveKit.TokenTTL))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	for _, chain := range []struct {
		kind    string
		entries []ProviderEntry
	}{
		{"stt", cfg.Providers.STTFallback},
		{"tts", cfg.Providers.TTSFallback},
		{"llm", cfg.Providers.LLMFallback},
	} {
		for i, fb := range chain.entries {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallback[%d].name is required", chain.kind, i))
			}
			validateProviderName(chain.kind, fb.Name)
		}
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	// Directory
	switch cfg.Directory.Backend {
	case DirectoryPostgres:
		if cfg.Directory.DSN == "" {
			errs = append(errs, errors.New("directory.dsn is required for the postgres backend"))
		}
	case DirectoryStatic:
		if cfg.Directory.File == "" {
			errs = append(errs, errors.New("directory.file is required for the static backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.backend %q is invalid; valid values: postgres, static", cfg.Directory.Backend))
	}

	// Turn
	t := cfg.Turn
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"turn.arm_poll_interval", t.ArmPollInterval},
		{"turn.settle_period", t.SettlePeriod},
		{"turn.transcript_timeout", t.TranscriptTimeout},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %v must be positive", d.name, d.value))
		}
	}
	if t.STTSampleRate < 0 || t.TTSSampleRate < 0 {
		errs = append(errs, errors.New("turn sample rates must be positive"))
	}
	if t.MaxConcurrentTranslations < 0 {
		errs = append(errs, fmt.Errorf("turn.max_concurrent_translations %d must be positive", t.MaxConcurrentTranslations))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
