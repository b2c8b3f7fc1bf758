// Package mock provides scripted stt doubles.
//
// A [Session] replays the results a real backend would send for one
// utterance and keeps the speaker audio it was fed:
//
//	sess := mock.NewSession()
//	sess.OnCommit = []stt.Result{{Kind: stt.ResultCommitted, Text: "hi", Final: true}}
//	p := &mock.Provider{Session: sess}
package mock

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/walkietalk/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider hands out Session, or a fresh [NewSession] when it is nil.
type Provider struct {
	Session        stt.SessionHandle
	StartStreamErr error

	mu      sync.Mutex
	configs []stt.StreamConfig
}

// StartStream records cfg and returns Session or StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Configs returns the stream config of every StartStream call in order.
func (p *Provider) Configs() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.configs)
}

// StartCount reports how often StartStream was called.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

// Session is a scripted stt.SessionHandle.
//
// Results written to ResultsCh are delivered as is. Commit appends OnCommit
// and, with CloseOnCommit, closes ResultsCh after it.
type Session struct {
	ResultsCh     chan stt.Result
	OnCommit      []stt.Result
	CloseOnCommit bool

	SendAudioErr error
	CommitErr    error
	CloseErr     error

	mu      sync.Mutex
	chunks  [][]byte
	commits int
	closes  int
	drained bool
}

// NewSession returns a Session with room for 64 pending results.
func NewSession() *Session {
	return &Session{ResultsCh: make(chan stt.Result, 64)}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, bytes.Clone(chunk))
	return s.SendAudioErr
}

func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if s.CommitErr != nil || s.drained {
		return s.CommitErr
	}
	for _, r := range s.OnCommit {
		s.ResultsCh <- r
	}
	if s.CloseOnCommit {
		s.drained = true
		close(s.ResultsCh)
	}
	return nil
}

func (s *Session) Results() <-chan stt.Result { return s.ResultsCh }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.CloseErr
}

// Chunks returns copies of the chunks passed to SendAudio in order.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chunks)
}

// Audio returns every chunk concatenated.
func (s *Session) Audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.chunks, nil)
}

// Commits reports how often Commit was called.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Closes reports how often Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
