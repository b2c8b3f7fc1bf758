// Package turn implements the push-to-talk turn-taking state machine.
//
// The machine is a value type, [State], advanced by pure functions, one per
// input event. Arming is a two-slot join: a RECORDING_START fills the
// pending speaker slot, a subscribed audio track fills the resolved audio
// slot, and [TryArm] promotes the pair to an armed speaker once both slots
// agree. Both arrival orders go through TryArm, so they converge on the same
// state.
//
// Phases: Idle → Pending → Armed → Running → Idle.
package turn

import (
	"github.com/MrWong99/walkietalk/pkg/room"
)

// Phase is the coarse position of a [State] in the turn lifecycle.
type Phase int

const (
	// Idle: no speaker.
	Idle Phase = iota

	// Pending: speaker known, audio not yet available.
	Pending

	// Armed: speaker and audio both resolved, turn not started.
	Armed

	// Running: a turn pipeline is executing.
	Running
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Armed:
		return "armed"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Resolver looks up the currently subscribed audio source of identity.
type Resolver func(identity string) (room.AudioSource, bool)

// State is the turn-taking state of one room. The zero value is Idle.
//
// Invariants: SpeakerID is set only together with Audio; PendingSpeakerID
// and SpeakerID never hold the same identity.
type State struct {
	// Recording reports whether the speaker's button is held.
	Recording bool

	// SpeakerID is the identity whose turn is armed or running.
	SpeakerID string

	// Audio is the speaker's resolved audio source.
	Audio room.AudioSource

	// PendingSpeakerID awaits its audio track.
	PendingSpeakerID string

	// ResolvedAudio is the join slot filled by a track for the pending
	// speaker. TryArm consumes it.
	ResolvedAudio room.AudioSource

	// IsRunning reports whether a pipeline owns the turn.
	IsRunning bool

	// Queued is a speaker whose start arrived while a turn was running.
	Queued string
}

// Phase derives the phase from the state fields.
func (s State) Phase() Phase {
	switch {
	case s.IsRunning:
		return Running
	case s.SpeakerID != "" && s.Audio != nil && s.Recording:
		return Armed
	case s.PendingSpeakerID != "":
		return Pending
	default:
		return Idle
	}
}

// TryArm promotes the pending speaker to the armed speaker when the resolved
// audio slot holds that speaker's track. Any other state is returned
// unchanged.
func TryArm(s State) State {
	if s.IsRunning || s.PendingSpeakerID == "" || s.ResolvedAudio == nil {
		return s
	}
	if s.ResolvedAudio.Identity() != s.PendingSpeakerID {
		s.ResolvedAudio = nil
		return s
	}
	s.SpeakerID = s.PendingSpeakerID
	s.Audio = s.ResolvedAudio
	s.PendingSpeakerID = ""
	s.ResolvedAudio = nil
	s.Recording = true
	return s
}

// RecordingStarted applies RECORDING_START from speaker. While Idle or
// Pending the speaker becomes pending and the audio slot is filled from
// resolve when the track already exists. While a turn is running the start
// is queued and handed back by [Finished]. An Armed state ignores it.
func RecordingStarted(s State, speaker string, resolve Resolver) State {
	if speaker == "" {
		return s
	}
	switch s.Phase() {
	case Running:
		s.Queued = speaker
		return s
	case Armed:
		return s
	}
	s.PendingSpeakerID = speaker
	s.ResolvedAudio = nil
	if resolve != nil {
		if src, ok := resolve(speaker); ok {
			s.ResolvedAudio = src
		}
	}
	return TryArm(s)
}

// TrackAvailable applies a track subscription for identity. Only a track of
// the pending speaker fills the audio slot.
func TrackAvailable(s State, src room.AudioSource) State {
	if src == nil || s.PendingSpeakerID == "" || src.Identity() != s.PendingSpeakerID {
		return s
	}
	s.ResolvedAudio = src
	return TryArm(s)
}

// RecordingStopped applies RECORDING_STOP. A pending or armed turn is
// abandoned. A running turn keeps running with Recording cleared so its
// audio producer stops forwarding frames; a stop naming another identity
// leaves a running turn untouched. A queued start from speaker, or
// any queued start when speaker is empty, is dropped.
func RecordingStopped(s State, speaker string) State {
	if s.Queued != "" && (speaker == "" || speaker == s.Queued) {
		s.Queued = ""
	}
	if s.IsRunning {
		if speaker == "" || speaker == s.SpeakerID {
			s.Recording = false
		}
		return s
	}
	return State{Queued: s.Queued}
}

// ParticipantLeft applies a remote participant disconnect. If identity holds
// the speaker or pending slot the state resets to Idle, abandoning any turn
// including a running one.
func ParticipantLeft(s State, identity string) State {
	if s.Queued == identity {
		s.Queued = ""
	}
	if identity != "" && (s.SpeakerID == identity || s.PendingSpeakerID == identity) {
		return State{Queued: s.Queued}
	}
	return s
}

// Begin moves an Armed state to Running. ok is false when s is not Armed.
func Begin(s State) (next State, ok bool) {
	if s.Phase() != Armed {
		return s, false
	}
	s.IsRunning = true
	return s, true
}

// Finished ends a running turn and returns the Idle state together with the
// speaker whose start was queued during the turn, if any. The caller
// re-applies that start with [RecordingStarted] against the Idle state.
func Finished(s State) (next State, queued string) {
	return State{}, s.Queued
}
