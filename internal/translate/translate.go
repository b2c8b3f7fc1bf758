// Package translate turns a transcript in one language into plain text in
// another using a chat-completion [llm.Provider].
//
// The request instructs the model to return the translation only. The reply
// is used verbatim after trimming surrounding whitespace; no structured
// output is parsed from it.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/walkietalk/internal/observe"
	"github.com/MrWong99/walkietalk/pkg/provider/llm"
)

// DefaultMaxConcurrent bounds in-flight translation calls across all rooms.
const DefaultMaxConcurrent = 8

// DefaultTemperature is the sampling temperature sent with every request.
const DefaultTemperature = 0.3

// ErrEmptyTranslation is returned when the provider replies with no text.
var ErrEmptyTranslation = errors.New("translate: provider returned empty translation")

// Translator translates text from src to tgt.
type Translator interface {
	Translate(ctx context.Context, text, src, tgt string) (string, error)
}

// Service is a [Translator] backed by an LLM provider. It is safe for
// concurrent use; at most the configured number of calls reach the
// provider at once.
type Service struct {
	provider    llm.Provider
	sem         *semaphore.Weighted
	temperature float64
	metrics     *observe.Metrics
}

var _ Translator = (*Service)(nil)

// Option configures a [Service].
type Option func(*Service)

// WithMaxConcurrent sets the worker pool size. Values below 1 are ignored.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithMetrics records call latency on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New returns a Service that sends requests to p.
func New(p llm.Provider, opts ...Option) (*Service, error) {
	if p == nil {
		return nil, errors.New("translate: provider must not be nil")
	}
	s := &Service{
		provider:    p,
		sem:         semaphore.NewWeighted(DefaultMaxConcurrent),
		temperature: DefaultTemperature,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// SystemPrompt returns the instruction sent for a src → tgt translation.
func SystemPrompt(src, tgt string) string {
	return fmt.Sprintf("You are a translator. Translate the following text from %s to %s. Return only the translated text, nothing else.", src, tgt)
}

// Translate returns text unchanged when src and tgt name the same language.
// Otherwise it waits for a pool slot and issues a single completion.
func (s *Service) Translate(ctx context.Context, text, src, tgt string) (out string, err error) {
	if SameLanguage(src, tgt) {
		return text, nil
	}

	ctx, span := observe.StartSpan(ctx, "translate.complete")
	defer func() { observe.EndSpan(span, err) }()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("translate: wait for worker: %w", err)
	}
	defer s.sem.Release(1)

	start := time.Now()
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt(src, tgt),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  s.temperature,
	})
	s.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("target_language", strings.ToLower(tgt))))
	if err != nil {
		s.metrics.RecordProviderError(ctx, "llm", "complete")
		return "", fmt.Errorf("translate: %s to %s: %w", src, tgt, err)
	}

	out = strings.TrimSpace(resp.Content)
	if out == "" {
		return "", ErrEmptyTranslation
	}
	observe.Logger(ctx).Debug("translation done",
		"source_language", src,
		"target_language", tgt,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return out, nil
}

// SameLanguage reports whether two language codes name the same language.
// Comparison ignores case.
func SameLanguage(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
