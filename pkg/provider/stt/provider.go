// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// A session models one push-to-talk utterance. The caller streams PCM
// chunks with SendAudio, marks the end of the utterance with Commit, and
// reads [Result] values from Results until the provider acknowledges the
// commit or the caller gives up. Providers that segment speech themselves
// may emit several committed fragments per session.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio and Commit after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// ResultKind tags a [Result].
type ResultKind int

const (
	// ResultCommitted carries a committed transcript fragment. Text may be
	// empty when the provider committed silence.
	ResultCommitted ResultKind = iota

	// ResultInputError reports that the provider rejected the audio input.
	// It ends the session's useful output but is not a transport failure.
	ResultInputError
)

// String returns a short name for the kind.
func (k ResultKind) String() string {
	switch k {
	case ResultCommitted:
		return "committed"
	case ResultInputError:
		return "input_error"
	default:
		return "unknown"
	}
}

// Result is one message from an STT session.
type Result struct {
	Kind ResultKind

	// Text is the committed transcript fragment.
	Text string

	// Message is the provider's error description for ResultInputError.
	Message string

	// Final marks the committed fragment that answers the session's
	// Commit. No further fragments follow it.
	Final bool
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate of the PCM16 audio in Hz.
	SampleRate int

	// Channels is the channel count; 1 for every built-in provider.
	Channels int

	// Language is a BCP-47 language hint. Empty lets the provider detect.
	Language string
}

// SessionHandle is an open STT session.
//
// Callers must call Close when done. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a non-final PCM chunk.
	SendAudio(chunk []byte) error

	// Commit marks the end of the utterance. No audio may follow.
	Commit() error

	// Results returns the session's output. It is closed when the session
	// ends.
	Results() <-chan Result

	// Close terminates the session and releases its resources. Calling
	// Close more than once is safe.
	Close() error
}

// Provider opens STT sessions.
type Provider interface {
	// StartStream opens a session ready to accept audio.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
