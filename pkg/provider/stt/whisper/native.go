// NativeProvider runs whisper.cpp in-process through its CGO bindings.
// Linking needs libwhisper.a and whisper.h, found via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/walkietalk/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// ErrModelClosed is returned by StartStream after Close.
var ErrModelClosed = errors.New("whisper: model closed")

// NativeProvider transcribes speaker audio with a locally loaded model. One
// model serves every room; inference calls are serialised on it.
type NativeProvider struct {
	language string
	threads  uint
	maxMs    int

	mu    sync.Mutex
	model whisperlib.Model
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language used when a stream names none.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads caps the CPU threads of one inference. Zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative loads the ggml model file at modelPath. Call Close to free it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage, maxMs: defaultMaxBufferDurationMs}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close frees the model. Turns still in flight fail with [ErrModelClosed].
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// StartStream buffers a speaker's turn and transcribes it on Commit.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	p.mu.Lock()
	closed := p.model == nil
	p.mu.Unlock()
	if closed {
		return nil, ErrModelClosed
	}

	sc := resolveConfig(cfg, p.language)
	return newSession(sc, p.maxMs, func(ctx context.Context, pcm []byte) (string, error) {
		return p.transcribe(ctx, toModelInput(pcm, sc.SampleRate, sc.Channels), sc.Language)
	}), nil
}

func (p *NativeProvider) transcribe(ctx context.Context, samples []float32, lang string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return "", ErrModelClosed
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if p.model.IsMultilingual() {
		if err := wctx.SetLanguage(lang); err != nil {
			slog.WarnContext(ctx, "whisper: language not supported by model", "language", lang, "err", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}
	return collectSegments(wctx)
}

// collectSegments joins the non-blank segment texts of a processed context.
func collectSegments(wctx whisperlib.Context) (string, error) {
	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}
