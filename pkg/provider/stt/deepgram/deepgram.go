// Package deepgram implements stt.Provider on Deepgram's live transcription
// WebSocket.
//
// Speaker audio goes out as binary linear16 frames. Commit sends a Finalize
// control message; Deepgram flushes what it has buffered and marks the last
// transcript of the flush with from_finalize, which becomes the Final
// fragment of the session. While a speaker holds the button without talking
// the session sends KeepAlive so Deepgram does not drop the socket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/walkietalk/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// DefaultKeepAlive is well below Deepgram's ten second idle cut-off.
	DefaultKeepAlive = 4 * time.Second
)

var (
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

var _ stt.Provider = (*Provider)(nil)

// Provider opens Deepgram live sessions.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	keepAlive  time.Duration
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, for example "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a stream names none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the rate assumed when a stream names none.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint points the provider at another live endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithKeepAlive sets the idle interval after which KeepAlive is sent. Zero
// or less disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
		keepAlive:  DefaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns the live session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		results:   make(chan stt.Result, 32),
		out:       make(chan frame, 256),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := orDefault(cfg.Language, p.language)
	rate := p.sampleRate
	if cfg.SampleRate > 0 {
		rate = cfg.SampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── session ─────────────────────────────────────────────────────────────────

// frame is one queued outbound message: binary audio or a JSON control.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	results   chan stt.Result
	out       chan frame

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM16 chunk. Empty chunks are dropped.
func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.enqueue(frame{typ: websocket.MessageBinary, data: chunk})
}

// Commit queues Finalize behind every chunk sent so far.
func (s *session) Commit() error {
	return s.enqueue(frame{typ: websocket.MessageText, data: msgFinalize})
}

func (s *session) enqueue(f frame) error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	}
}

func (s *session) Results() <-chan stt.Result { return s.results }

// Close ends the stream and waits for both loops.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, msgCloseStream)
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if s.keepAlive > 0 {
		timer = time.NewTimer(s.keepAlive)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case f := <-s.out:
			if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
				return
			}
		case <-idle:
			if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if timer != nil {
			timer.Reset(s.keepAlive)
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		res, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- res:
		case <-s.done:
			return
		}
	}
}

// ── wire messages ───────────────────────────────────────────────────────────

type deepgramResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	// Error messages.
	Description string `json:"description"`
	Message     string `json:"message"`
}

// parseDeepgramResponse maps a server message onto a Result. Interim
// transcripts, blank non-finalize fragments and metadata yield false.
func parseDeepgramResponse(data []byte) (stt.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Result{}, false
	}
	switch resp.Type {
	case "Results":
	case "Error":
		return stt.Result{Kind: stt.ResultInputError, Message: orDefault(resp.Description, resp.Message)}, true
	default:
		return stt.Result{}, false
	}
	if !resp.IsFinal {
		return stt.Result{}, false
	}

	var text string
	if alts := resp.Channel.Alternatives; len(alts) > 0 {
		text = alts[0].Transcript
	}
	if text == "" && !resp.FromFinalize {
		return stt.Result{}, false
	}
	return stt.Result{Kind: stt.ResultCommitted, Text: text, Final: resp.FromFinalize}, true
}
