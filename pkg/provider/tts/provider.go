// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. SynthesizeStream accepts a channel
// of text fragments and returns a Stream whose audio channel emits raw PCM
// bytes as they become available.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile identifies the voice a synthesis request should use.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label.
	Name string

	// Provider names the backend that owns ID (e.g., "elevenlabs").
	Provider string

	// Metadata carries backend-specific extras.
	Metadata map[string]string
}

// Stream is a running synthesis.
type Stream interface {
	// Audio emits raw 16-bit little-endian PCM chunks. It is closed when the
	// service reports the final chunk, the connection fails, or ctx is
	// cancelled.
	Audio() <-chan []byte

	// Err reports why Audio was closed. It returns nil after a clean finish
	// and must only be called once Audio is closed.
	Err() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from text. Each fragment is
	// submitted verbatim and flushed; closing text closes the input side of
	// the synthesis stream.
	//
	// Returns a non-nil error only if the stream cannot be started.
	// voice.ID may be empty to use the provider's default voice.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (Stream, error)
}
