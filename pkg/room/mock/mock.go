// Package mock provides in-memory implementations of the [room.Service],
// [room.Room], [room.AudioSource] and [room.OutboundTrack] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that control return values.
//
// Typical usage:
//
//	r := mock.NewRoom("chat-1")
//	r.SetParticipants("A", "B")
//	r.AddSource(&mock.Source{ID: "A", FramesToSend: frames})
//	svc := &mock.Service{JoinResult: r}
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/MrWong99/walkietalk/pkg/audio"
	"github.com/MrWong99/walkietalk/pkg/room"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [room.AudioSource]. Each Frames call replays
// FramesToSend and then closes the channel, unless Hold is set, in which
// case the channel stays open until the subscription context ends.
type Source struct {
	ID string

	mu sync.Mutex

	// FramesToSend is replayed on every subscription.
	FramesToSend []audio.AudioFrame

	// Hold keeps the channel open after the frames were sent.
	Hold bool

	// CallCountFrames records how many subscriptions were opened.
	CallCountFrames int
}

var _ room.AudioSource = (*Source)(nil)

// Identity implements [room.AudioSource].
func (s *Source) Identity() string { return s.ID }

// Frames implements [room.AudioSource].
func (s *Source) Frames(ctx context.Context) <-chan audio.AudioFrame {
	s.mu.Lock()
	s.CallCountFrames++
	frames := append([]audio.AudioFrame(nil), s.FramesToSend...)
	hold := s.Hold
	s.mu.Unlock()

	ch := make(chan audio.AudioFrame)
	go func() {
		defer close(ch)
		for _, f := range frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch
}

// Subscriptions returns CallCountFrames.
func (s *Source) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFrames
}

// ─── Track ───────────────────────────────────────────────────────────────────

// Track is a mock [room.OutboundTrack] recording every frame written to it.
type Track struct {
	TrackID    string
	Name       string
	SampleRate int
	Channels   int

	mu sync.Mutex

	// WriteError is returned by WriteFrame.
	WriteError error

	// Frames records every written frame.
	Frames []audio.AudioFrame

	// Playout, when non-nil, holds WaitPlayout until it is closed.
	Playout chan struct{}

	playoutWaits int
}

var _ room.OutboundTrack = (*Track)(nil)

// ID implements [room.OutboundTrack].
func (t *Track) ID() string { return t.TrackID }

// WriteFrame implements [room.OutboundTrack].
func (t *Track) WriteFrame(frame audio.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteError != nil {
		return t.WriteError
	}
	t.Frames = append(t.Frames, frame)
	return nil
}

// WaitPlayout implements [room.OutboundTrack].
func (t *Track) WaitPlayout(ctx context.Context) error {
	t.mu.Lock()
	t.playoutWaits++
	gate := t.Playout
	t.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlayoutWaits reports how often WaitPlayout was called.
func (t *Track) PlayoutWaits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playoutWaits
}

// Bytes returns the concatenated PCM of all written frames.
func (t *Track) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for _, f := range t.Frames {
		out = append(out, f.Data...)
	}
	return out
}

// ─── Room ────────────────────────────────────────────────────────────────────

// DataMessage records one PublishData call.
type DataMessage struct {
	Topic   string
	Payload []byte
}

// Room is a mock [room.Room]. Events are injected with [Room.Emit].
type Room struct {
	name   string
	events chan room.Event

	mu           sync.Mutex
	closed       bool
	participants map[string]bool
	sources      map[string]room.AudioSource
	nextTrack    int

	// PublishDataError is returned by PublishData.
	PublishDataError error

	// PublishAudioError is returned by PublishAudio.
	PublishAudioError error

	// UnpublishError is returned by Unpublish.
	UnpublishError error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// Data records every PublishData call in order.
	Data []DataMessage

	// Tracks records every track created by PublishAudio.
	Tracks []*Track

	// Unpublished records the IDs passed to Unpublish.
	Unpublished []string

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	// PlayoutGate is copied into the Playout field of every track
	// PublishAudio creates.
	PlayoutGate chan struct{}

	// OnPublishData, when set, is invoked after each recorded PublishData.
	OnPublishData func(DataMessage)
}

var _ room.Room = (*Room)(nil)

// NewRoom returns an empty mock room.
func NewRoom(name string) *Room {
	return &Room{
		name:         name,
		events:       make(chan room.Event, 64),
		participants: make(map[string]bool),
		sources:      make(map[string]room.AudioSource),
	}
}

// SetParticipants replaces the set of connected remote participants.
func (r *Room) SetParticipants(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = make(map[string]bool, len(ids))
	for _, id := range ids {
		r.participants[id] = true
	}
}

// AddSource makes src resolvable through AudioSource without emitting an
// event.
func (r *Room) AddSource(src room.AudioSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.Identity()] = src
}

// RemoveParticipant drops identity and its source.
func (r *Room) RemoveParticipant(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, identity)
	delete(r.sources, identity)
}

// Emit delivers ev on the event channel. It is a no-op after Disconnect.
func (r *Room) Emit(ev room.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- ev
}

// Name implements [room.Room].
func (r *Room) Name() string { return r.name }

// Events implements [room.Room].
func (r *Room) Events() <-chan room.Event { return r.events }

// RemoteParticipantCount implements [room.Room].
func (r *Room) RemoteParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// AudioSource implements [room.Room].
func (r *Room) AudioSource(identity string) (room.AudioSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[identity]
	return src, ok
}

// PublishData implements [room.Room].
func (r *Room) PublishData(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return room.ErrClosed
	}
	if r.PublishDataError != nil {
		err := r.PublishDataError
		r.mu.Unlock()
		return err
	}
	msg := DataMessage{Topic: topic, Payload: append([]byte(nil), payload...)}
	r.Data = append(r.Data, msg)
	hook := r.OnPublishData
	r.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

// PublishAudio implements [room.Room].
func (r *Room) PublishAudio(_ context.Context, name string, sampleRate, channels int) (room.OutboundTrack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PublishAudioError != nil {
		return nil, r.PublishAudioError
	}
	r.nextTrack++
	t := &Track{
		TrackID:    "TR_" + strconv.Itoa(r.nextTrack),
		Name:       name,
		SampleRate: sampleRate,
		Channels:   channels,
		Playout:    r.PlayoutGate,
	}
	r.Tracks = append(r.Tracks, t)
	return t, nil
}

// Unpublish implements [room.Room].
func (r *Room) Unpublish(track room.OutboundTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Unpublished = append(r.Unpublished, track.ID())
	return r.UnpublishError
}

// Disconnect implements [room.Room].
func (r *Room) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountDisconnect++
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return r.DisconnectError
}

// Messages returns a copy of the recorded data messages.
func (r *Room) Messages() []DataMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DataMessage(nil), r.Data...)
}

// PublishedTracks returns a copy of the tracks created so far.
func (r *Room) PublishedTracks() []*Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Track(nil), r.Tracks...)
}

// UnpublishedIDs returns a copy of the unpublished track IDs.
func (r *Room) UnpublishedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Unpublished...)
}

// Disconnects returns CallCountDisconnect.
func (r *Room) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CallCountDisconnect
}

// ─── Service ─────────────────────────────────────────────────────────────────

// Service is a mock [room.Service].
type Service struct {
	mu sync.Mutex

	// JoinResult is returned by Join when JoinFunc is nil.
	JoinResult room.Room

	// JoinError is returned by Join when JoinFunc is nil.
	JoinError error

	// JoinFunc, when set, replaces JoinResult/JoinError.
	JoinFunc func(ctx context.Context, roomName string) (room.Room, error)

	// JoinCalls records the room names passed to Join.
	JoinCalls []string
}

var _ room.Service = (*Service)(nil)

// Join implements [room.Service].
func (s *Service) Join(ctx context.Context, roomName string) (room.Room, error) {
	s.mu.Lock()
	s.JoinCalls = append(s.JoinCalls, roomName)
	fn := s.JoinFunc
	res, err := s.JoinResult, s.JoinError
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, roomName)
	}
	return res, err
}

// CallCountJoin returns the number of Join calls.
func (s *Service) CallCountJoin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.JoinCalls)
}
