package resilience

import (
	"context"

	"github.com/MrWong99/walkietalk/pkg/provider/llm"
	"github.com/MrWong99/walkietalk/pkg/provider/stt"
	"github.com/MrWong99/walkietalk/pkg/provider/tts"
)

// chain is the part every provider wrapper shares: the group and its
// registration methods.
type chain[T any] struct {
	group *FallbackGroup[T]
}

// AddFallback appends provider behind the ones already registered.
func (c chain[T]) AddFallback(name string, provider T) {
	c.group.AddFallback(name, provider)
}

// Names returns the backend names in try order.
func (c chain[T]) Names() []string { return c.group.Names() }

func newChain[T any](primary T, name string, cfg FallbackConfig) chain[T] {
	return chain[T]{group: NewFallbackGroup(primary, name, cfg)}
}

// LLMFallback is an [llm.Provider] that fails a translation over to the next
// backend.
type LLMFallback struct{ chain[llm.Provider] }

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback starts the chain with primary.
func NewLLMFallback(primary llm.Provider, name string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{newChain(primary, name, cfg)}
}

// Complete returns the first successful completion.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STTFallback is an [stt.Provider] that fails over while opening a session.
// Once audio flows the session is bound to one backend.
type STTFallback struct{ chain[stt.Provider] }

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback starts the chain with primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{newChain(primary, name, cfg)}
}

// StartStream opens the first session a backend accepts.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TTSFallback is a [tts.Provider] that fails over while starting synthesis.
// The text channel is consumed by the backend that accepted it.
type TTSFallback struct{ chain[tts.Provider] }

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback starts the chain with primary.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{newChain(primary, name, cfg)}
}

// SynthesizeStream starts the first stream a backend accepts.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	return Do(ctx, f.group, func(ctx context.Context, p tts.Provider) (tts.Stream, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
