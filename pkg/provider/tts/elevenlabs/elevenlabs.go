// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/walkietalk/pkg/provider/tts"
)

const (
	defaultEndpoint        = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel           = "eleven_multilingual_v2"
	defaultOutputFmt       = "pcm_24000"
	defaultStability       = 0.5
	defaultSimilarityBoost = 0.8
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithDefaultVoice sets the voice used when a request carries no voice ID.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) { p.defaultVoice = voiceID }
}

// WithVoiceSettings overrides stability and similarity boost.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(p *Provider) {
		p.settings = voiceSettings{Stability: stability, SimilarityBoost: similarityBoost}
	}
}

// WithEndpoint overrides the WebSocket base URL. Intended for testing.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	defaultVoice string
	endpoint     string
	settings     voiceSettings
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
		settings:     voiceSettings{Stability: defaultStability, SimilarityBoost: defaultSimilarityBoost},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// initMessage opens the input stream. ElevenLabs requires a single space.
type initMessage struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// textMessage carries one fragment. An empty Text closes the input.
type textMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SynthesizeStream dials the stream-input endpoint for voice, sends the
// initialising message, and starts the writer and reader goroutines.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: no voice configured")
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(voiceID), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	initBytes, _ := json.Marshal(initMessage{Text: " ", VoiceSettings: p.settings})
	if err := conn.Write(ctx, websocket.MessageText, initBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("elevenlabs: send init: %w", err)
	}

	s := &stream{conn: conn, audio: make(chan []byte, 256)}
	ctx, cancel := context.WithCancel(ctx)

	go s.writeLoop(ctx, text)
	go func() {
		defer cancel()
		s.readLoop(ctx)
	}()
	return s, nil
}

func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.endpoint + "/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// ---- stream ----

type stream struct {
	conn  *websocket.Conn
	audio chan []byte

	mu  sync.Mutex
	err error
}

var _ tts.Stream = (*stream)(nil)

func (s *stream) Audio() <-chan []byte { return s.audio }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// writeLoop forwards fragments with flush and sends the close message once
// text is closed.
func (s *stream) writeLoop(ctx context.Context, text <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case fragment, ok := <-text:
			if !ok {
				closeBytes, _ := json.Marshal(textMessage{Text: ""})
				if err := s.conn.Write(ctx, websocket.MessageText, closeBytes); err != nil && ctx.Err() == nil {
					s.fail(fmt.Errorf("elevenlabs: send close: %w", err))
				}
				return
			}
			if fragment == "" {
				continue
			}
			b, _ := json.Marshal(textMessage{Text: fragment, Flush: true})
			if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("elevenlabs: send text: %w", err))
				}
				s.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.audio)
	defer s.conn.Close(websocket.StatusNormalClosure, "done")

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.fail(ctx.Err())
			} else {
				s.fail(fmt.Errorf("elevenlabs: stream ended before final chunk: %w", err))
			}
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			s.fail(fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message))
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				s.fail(fmt.Errorf("elevenlabs: decode audio: %w", err))
				return
			}
			select {
			case s.audio <- pcm:
			case <-ctx.Done():
				s.fail(ctx.Err())
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}
