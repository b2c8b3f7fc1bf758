// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which VoiceProfile and text fragments reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	s, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/walkietalk/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is emitted on the stream's audio channel after the text
	// channel is closed.
	Chunks [][]byte

	// StartErr, if non-nil, is returned from SynthesizeStream.
	StartErr error

	// StreamErr is reported by Stream.Err after the chunks are emitted.
	StreamErr error

	// SynthesizeStreamCalls records every call in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	texts []string
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call, consumes text until closed, then emits
// Chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
	if p.StartErr != nil {
		err := p.StartErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	streamErr := p.StreamErr
	p.mu.Unlock()

	s := &Stream{audio: make(chan []byte)}
	go func() {
		defer close(s.audio)
		for {
			select {
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			case t, ok := <-text:
				if !ok {
					for _, c := range chunks {
						select {
						case s.audio <- c:
						case <-ctx.Done():
							s.setErr(ctx.Err())
							return
						}
					}
					s.setErr(streamErr)
					return
				}
				p.mu.Lock()
				p.texts = append(p.texts, t)
				p.mu.Unlock()
			}
		}
	}()
	return s, nil
}

// Texts returns every text fragment received across all streams.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

// CallCountSynthesizeStream returns the number of SynthesizeStream calls.
func (p *Provider) CallCountSynthesizeStream() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Stream is the tts.Stream returned by Provider.
type Stream struct {
	audio chan []byte
	mu    sync.Mutex
	err   error
}

var _ tts.Stream = (*Stream)(nil)

// Audio implements tts.Stream.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Err implements tts.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
