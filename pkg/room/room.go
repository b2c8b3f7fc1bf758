// Package room defines the media room abstraction the translation agent runs
// against.
//
// A [Service] joins a named room as the agent participant and returns a
// [Room]. The Room reports inbound activity as [Event] values on a single
// channel, hands out per-participant [AudioSource] handles for subscribed
// microphone tracks, carries reliable topic-scoped data messages, and lets
// the agent publish short-lived outbound audio tracks.
//
// The LiveKit adapter lives in room/livekit; tests use room/mock.
package room

import (
	"context"
	"errors"

	"github.com/MrWong99/walkietalk/pkg/audio"
)

// ErrClosed is returned by Room methods after Disconnect.
var ErrClosed = errors.New("room: closed")

// EventType classifies events emitted on [Room.Events].
type EventType int

const (
	// EventTrackSubscribed is emitted when a remote participant's audio
	// track becomes available to the agent.
	EventTrackSubscribed EventType = iota

	// EventParticipantDisconnected is emitted when a remote participant
	// leaves the room.
	EventParticipantDisconnected

	// EventData is emitted for every data message received on any topic.
	EventData

	// EventDisconnected is emitted once when the agent's own connection is
	// lost for good. No events follow it.
	EventDisconnected
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTrackSubscribed:
		return "TRACK_SUBSCRIBED"
	case EventParticipantDisconnected:
		return "PARTICIPANT_DISCONNECTED"
	case EventData:
		return "DATA"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single room notification.
type Event struct {
	Type EventType

	// Identity of the remote participant the event concerns. For
	// EventData it is the sender.
	Identity string

	// Source is set for EventTrackSubscribed.
	Source AudioSource

	// Topic and Payload are set for EventData.
	Topic   string
	Payload []byte
}

// AudioSource is a subscribed inbound audio track of one participant.
type AudioSource interface {
	// Identity returns the owning participant's identity.
	Identity() string

	// Frames subscribes to decoded PCM frames. Frames that arrive while no
	// subscription is open are discarded. The returned channel is closed
	// when ctx is done or the track ends.
	Frames(ctx context.Context) <-chan audio.AudioFrame
}

// OutboundTrack is an audio track published by the agent.
type OutboundTrack interface {
	// ID returns the transport-assigned track handle.
	ID() string

	// WriteFrame queues PCM for playout. The frame's format must match the
	// rate and channel count the track was published with.
	WriteFrame(frame audio.AudioFrame) error

	// WaitPlayout blocks until every queued frame has been played out or
	// ctx is done. Queued audio is discarded when ctx ends first.
	WaitPlayout(ctx context.Context) error
}

// Room is an active agent connection to one media room.
//
// Implementations must be safe for concurrent use.
type Room interface {
	// Name returns the room name.
	Name() string

	// Events returns the room's event channel. It is closed after
	// Disconnect.
	Events() <-chan Event

	// RemoteParticipantCount returns the number of remote participants
	// currently connected, excluding the agent.
	RemoteParticipantCount() int

	// AudioSource returns the subscribed audio track of identity, if any.
	AudioSource(identity string) (AudioSource, bool)

	// PublishData sends payload reliably to all participants on topic.
	PublishData(ctx context.Context, topic string, payload []byte) error

	// PublishAudio publishes a new outbound mono or stereo PCM track.
	PublishAudio(ctx context.Context, name string, sampleRate, channels int) (OutboundTrack, error)

	// Unpublish removes a track published with PublishAudio.
	Unpublish(track OutboundTrack) error

	// Disconnect leaves the room. Calling it more than once is safe.
	Disconnect() error
}

// Service joins rooms as the agent participant.
type Service interface {
	// Join connects to roomName. ctx bounds the connection attempt only.
	Join(ctx context.Context, roomName string) (Room, error)
}
