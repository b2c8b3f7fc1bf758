// Package whisper provides local whisper.cpp-backed STT providers.
//
// whisper.cpp is a batch engine, so a session buffers the utterance and runs
// a single inference when Commit is called. The committed transcript is
// emitted as one Final result. Two backends share that session logic:
//
//   - [Provider] posts the utterance as a WAV file to a running
//     whisper-server (POST /inference).
//   - [NativeProvider] runs the model in-process through the whisper.cpp
//     CGO bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	handle.Commit()
//	res := <-handle.Results()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/walkietalk/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the PCM audio whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultMaxBufferDurationMs = 60_000
	inferenceTimeout           = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). Empty uses the server's loaded model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the fallback language when StreamConfig has none.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMaxBufferDurationMs caps how much audio a session keeps. Audio beyond
// the cap is dropped. Defaults to 60 s.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL           string
	model               string
	language            string
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider for the whisper-server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           strings.TrimRight(serverURL, "/"),
		language:            defaultLanguage,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: inferenceTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a buffering session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	sc := resolveConfig(cfg, p.language)
	return newSession(sc, p.maxBufferDurationMs, func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, sc)
	}), nil
}

// infer encodes pcm as WAV and POSTs it to /inference as multipart form data.
func (p *Provider) infer(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, cfg.SampleRate, cfg.Channels)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if cfg.Language != "" {
		if err := mw.WriteField("language", cfg.Language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func resolveConfig(cfg stt.StreamConfig, fallbackLang string) stt.StreamConfig {
	if cfg.Language == "" {
		cfg.Language = fallbackLang
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return cfg
}

// ---- session ----------------------------------------------------------------

type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// session buffers one utterance and transcribes it on Commit.
type session struct {
	infer    inferFunc
	maxBytes int
	results  chan stt.Result

	mu        sync.Mutex
	buffer    []byte
	committed bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ stt.SessionHandle = (*session)(nil)

func newSession(cfg stt.StreamConfig, maxMs int, infer inferFunc) *session {
	ctx, cancel := context.WithCancel(context.Background())
	bytesPerMs := cfg.SampleRate * cfg.Channels * (bitsPerSample / 8) / 1000
	return &session{
		infer:    infer,
		maxBytes: maxMs * bytesPerMs,
		results:  make(chan stt.Result, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.committed {
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	}
	if s.maxBytes > 0 && len(s.buffer)+len(chunk) > s.maxBytes {
		return nil
	}
	s.buffer = append(s.buffer, chunk...)
	return nil
}

func (s *session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.committed {
		return fmt.Errorf("whisper: %w", stt.ErrSessionClosed)
	}
	s.committed = true
	pcm := s.buffer
	s.buffer = nil

	s.wg.Add(1)
	go s.transcribe(pcm)
	return nil
}

func (s *session) transcribe(pcm []byte) {
	defer s.wg.Done()
	defer close(s.results)

	res := stt.Result{Kind: stt.ResultCommitted, Final: true}
	if len(pcm) > 0 {
		ctx, cancel := context.WithTimeout(s.ctx, inferenceTimeout)
		text, err := s.infer(ctx, pcm)
		cancel()
		if err != nil {
			res = stt.Result{Kind: stt.ResultInputError, Message: err.Error()}
		} else {
			res.Text = text
		}
	}
	s.results <- res
}

func (s *session) Results() <-chan stt.Result { return s.results }

func (s *session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		committed := s.committed
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		if !committed {
			close(s.results)
		}
	})
	return nil
}

// ---- helpers ----------------------------------------------------------------

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}
