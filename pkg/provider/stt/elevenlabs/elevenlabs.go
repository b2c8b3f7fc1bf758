// Package elevenlabs provides an STT provider backed by the ElevenLabs
// Scribe realtime WebSocket API.
//
// Audio is sent as base64 JSON chunks tagged with the declared sample rate.
// A chunk with empty audio and commit=true ends the utterance; the service
// answers with committed_transcript messages, or input_error when it
// rejects the input.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/walkietalk/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	defaultModel      = "scribe_v2_realtime"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Scribe model id.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithSampleRate sets the default sample rate when StreamConfig leaves it
// zero.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements stt.Provider for ElevenLabs Scribe realtime.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	sampleRate int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs stt: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the realtime endpoint and returns a session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs stt: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs stt: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		conn:       conn,
		sampleRate: sr,
		results:    make(chan stt.Result, 32),
		cancel:     cancel,
		ctx:        ctx,
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", p.model)
	if cfg.Language != "" {
		q.Set("language_code", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- wire types ----

type audioChunk struct {
	MessageType string `json:"message_type"`
	Audio       string `json:"audio_base_64"`
	Commit      bool   `json:"commit"`
	SampleRate  int    `json:"sample_rate"`
}

type serverMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

// ---- session ----

type session struct {
	conn       *websocket.Conn
	sampleRate int
	results    chan stt.Result

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serialises writes and guards closed.
	writeMu sync.Mutex
	closed  bool

	// committed is set once the commit chunk is on the wire. Transcripts
	// read before that belong to earlier audio.
	committed atomic.Bool

	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	return s.write(audioChunk{
		MessageType: "input_audio_chunk",
		Audio:       base64.StdEncoding.EncodeToString(chunk),
		SampleRate:  s.sampleRate,
	})
}

func (s *session) Commit() error {
	err := s.write(audioChunk{
		MessageType: "input_audio_chunk",
		Commit:      true,
		SampleRate:  s.sampleRate,
	})
	if err == nil {
		s.committed.Store(true)
	}
	return err
}

func (s *session) write(msg audioChunk) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("elevenlabs stt: marshal chunk: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("elevenlabs stt: write: %w", err)
	}
	return nil
}

func (s *session) Results() <-chan stt.Result { return s.results }

func (s *session) Close() error {
	s.once.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Debug("elevenlabs stt: read ended", "err", err)
			}
			return
		}
		res, ok := parseMessage(data)
		if !ok {
			continue
		}
		// The service answers a commit with the next committed transcript.
		if res.Kind == stt.ResultCommitted && s.committed.Load() {
			res.Final = true
		}
		select {
		case s.results <- res:
		case <-s.ctx.Done():
			return
		}
	}
}

// parseMessage maps a server message to a Result. Session lifecycle and
// partial transcript messages are ignored.
func parseMessage(data []byte) (stt.Result, bool) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Result{}, false
	}
	switch msg.MessageType {
	case "committed_transcript":
		return stt.Result{Kind: stt.ResultCommitted, Text: msg.Text}, true
	case "input_error":
		m := msg.Error
		if m == "" {
			m = msg.Message
		}
		return stt.Result{Kind: stt.ResultInputError, Message: m}, true
	default:
		return stt.Result{}, false
	}
}
