package turn_test

import (
	"testing"

	"github.com/MrWong99/walkietalk/internal/turn"
	"github.com/MrWong99/walkietalk/pkg/room"
	"github.com/MrWong99/walkietalk/pkg/room/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func resolverFor(srcs ...room.AudioSource) turn.Resolver {
	return func(identity string) (room.AudioSource, bool) {
		for _, s := range srcs {
			if s.Identity() == identity {
				return s, true
			}
		}
		return nil, false
	}
}

func noTracks(string) (room.AudioSource, bool) { return nil, false }

// ─── arming ──────────────────────────────────────────────────────────────────

func TestRecordingStarted_TrackAlreadyAvailable(t *testing.T) {
	t.Parallel()
	a := &mock.Source{ID: "A"}
	s := turn.RecordingStarted(turn.State{}, "A", resolverFor(a))

	if s.Phase() != turn.Armed {
		t.Fatalf("phase = %v, want armed", s.Phase())
	}
	if s.SpeakerID != "A" || s.Audio != a {
		t.Errorf("speaker/audio = %q/%v, want A/source", s.SpeakerID, s.Audio)
	}
	if s.PendingSpeakerID != "" {
		t.Errorf("PendingSpeakerID = %q, want empty", s.PendingSpeakerID)
	}
}

func TestRecordingStarted_TrackLater(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStarted(turn.State{}, "A", noTracks)
	if s.Phase() != turn.Pending || s.PendingSpeakerID != "A" {
		t.Fatalf("phase = %v pending = %q, want pending A", s.Phase(), s.PendingSpeakerID)
	}

	a := &mock.Source{ID: "A"}
	s = turn.TrackAvailable(s, a)
	if s.Phase() != turn.Armed {
		t.Fatalf("phase = %v, want armed", s.Phase())
	}
	if s.PendingSpeakerID != "" || s.SpeakerID != "A" {
		t.Errorf("pending/speaker = %q/%q, want \"\"/A", s.PendingSpeakerID, s.SpeakerID)
	}
}

// Both event orders must reach the same armed state exactly once.
func TestArming_OrderIndependent(t *testing.T) {
	t.Parallel()
	a := &mock.Source{ID: "A"}

	// Signal first, then track.
	s1 := turn.RecordingStarted(turn.State{}, "A", noTracks)
	s1 = turn.TrackAvailable(s1, a)

	// Track first (already subscribed when the signal lands).
	s2 := turn.TrackAvailable(turn.State{}, a)
	if s2.Phase() != turn.Idle {
		t.Fatalf("track without signal: phase = %v, want idle", s2.Phase())
	}
	s2 = turn.RecordingStarted(s2, "A", resolverFor(a))

	if s1 != s2 {
		t.Errorf("orders diverge:\n signal-first = %+v\n track-first  = %+v", s1, s2)
	}

	// A duplicate track event after arming changes nothing.
	s3 := turn.TrackAvailable(s1, a)
	if s3 != s1 {
		t.Errorf("duplicate track changed state: %+v -> %+v", s1, s3)
	}
	// A second start while armed is ignored.
	if s4 := turn.RecordingStarted(s1, "A", resolverFor(a)); s4 != s1 {
		t.Errorf("second start changed armed state: %+v", s4)
	}
}

func TestTrackAvailable_OtherIdentityIgnored(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStarted(turn.State{}, "A", noTracks)
	s = turn.TrackAvailable(s, &mock.Source{ID: "B"})
	if s.Phase() != turn.Pending || s.ResolvedAudio != nil {
		t.Errorf("phase = %v resolved = %v, want pending with empty slot", s.Phase(), s.ResolvedAudio)
	}
}

func TestTryArm_MismatchedSlotCleared(t *testing.T) {
	t.Parallel()
	s := turn.State{PendingSpeakerID: "A", ResolvedAudio: &mock.Source{ID: "B"}}
	s = turn.TryArm(s)
	if s.Phase() != turn.Pending || s.ResolvedAudio != nil {
		t.Errorf("got %+v, want pending A with empty slot", s)
	}
}

// ─── stopping ────────────────────────────────────────────────────────────────

func TestRecordingStopped_WhilePending(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStarted(turn.State{}, "A", noTracks)
	s = turn.RecordingStopped(s, "A")
	if s.Phase() != turn.Idle || s.PendingSpeakerID != "" {
		t.Fatalf("got %+v, want idle", s)
	}
	// The track now arriving must not arm a turn.
	s = turn.TrackAvailable(s, &mock.Source{ID: "A"})
	if s.Phase() != turn.Idle {
		t.Errorf("late track armed a turn: %+v", s)
	}
}

func TestRecordingStopped_WhileArmed(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStarted(turn.State{}, "A", resolverFor(&mock.Source{ID: "A"}))
	s = turn.RecordingStopped(s, "A")
	if s.Phase() != turn.Idle {
		t.Errorf("phase = %v, want idle", s.Phase())
	}
	if _, ok := turn.Begin(s); ok {
		t.Error("Begin succeeded after stop")
	}
}

func TestRecordingStopped_WhileRunning(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStarted(turn.State{}, "A", resolverFor(&mock.Source{ID: "A"}))
	s, ok := turn.Begin(s)
	if !ok {
		t.Fatal("Begin failed on armed state")
	}
	s = turn.RecordingStopped(s, "A")
	if s.Phase() != turn.Running {
		t.Fatalf("phase = %v, want running", s.Phase())
	}
	if s.Recording {
		t.Error("Recording still set after stop")
	}
}

func TestRecordingStopped_Idempotent(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStopped(turn.State{}, "A")
	s = turn.RecordingStopped(s, "")
	if s != (turn.State{}) {
		t.Errorf("got %+v, want zero state", s)
	}
}

// ─── disconnects ─────────────────────────────────────────────────────────────

func TestParticipantLeft(t *testing.T) {
	t.Parallel()
	a := &mock.Source{ID: "A"}
	tests := []struct {
		name  string
		state turn.State
		who   string
		want  turn.Phase
	}{
		{"pending speaker leaves", turn.RecordingStarted(turn.State{}, "A", noTracks), "A", turn.Idle},
		{"armed speaker leaves", turn.RecordingStarted(turn.State{}, "A", resolverFor(a)), "A", turn.Idle},
		{"listener leaves while armed", turn.RecordingStarted(turn.State{}, "A", resolverFor(a)), "B", turn.Armed},
		{"running speaker leaves", func() turn.State {
			s, _ := turn.Begin(turn.RecordingStarted(turn.State{}, "A", resolverFor(a)))
			return s
		}(), "A", turn.Idle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := turn.ParticipantLeft(tt.state, tt.who)
			if got.Phase() != tt.want {
				t.Errorf("phase = %v, want %v", got.Phase(), tt.want)
			}
		})
	}
}

func TestParticipantLeft_ArmedNeverRuns(t *testing.T) {
	t.Parallel()
	s := turn.RecordingStarted(turn.State{}, "A", resolverFor(&mock.Source{ID: "A"}))
	s = turn.ParticipantLeft(s, "A")
	if _, ok := turn.Begin(s); ok {
		t.Error("Begin succeeded after the speaker left")
	}
}

// ─── running and queueing ────────────────────────────────────────────────────

func TestFinished_ReturnsIdleAndQueuedStart(t *testing.T) {
	t.Parallel()
	a := &mock.Source{ID: "A"}
	b := &mock.Source{ID: "B"}
	s, _ := turn.Begin(turn.RecordingStarted(turn.State{}, "A", resolverFor(a)))

	s = turn.RecordingStarted(s, "B", resolverFor(b))
	if s.Phase() != turn.Running || s.Queued != "B" {
		t.Fatalf("got phase %v queued %q, want running with B queued", s.Phase(), s.Queued)
	}

	idle, queued := turn.Finished(s)
	if idle.Phase() != turn.Idle {
		t.Errorf("Finished phase = %v, want idle", idle.Phase())
	}
	if queued != "B" {
		t.Fatalf("queued = %q, want B", queued)
	}
	next := turn.RecordingStarted(idle, queued, resolverFor(b))
	if next.Phase() != turn.Armed || next.SpeakerID != "B" {
		t.Errorf("re-applied start: %+v, want armed B", next)
	}
}

func TestRecordingStopped_DropsQueuedStart(t *testing.T) {
	t.Parallel()
	s, _ := turn.Begin(turn.RecordingStarted(turn.State{}, "A", resolverFor(&mock.Source{ID: "A"})))
	s = turn.RecordingStarted(s, "B", noTracks)
	s = turn.RecordingStopped(s, "B")
	if _, queued := turn.Finished(s); queued != "" {
		t.Errorf("queued = %q, want empty", queued)
	}
}

func TestBegin_OnlyFromArmed(t *testing.T) {
	t.Parallel()
	for _, s := range []turn.State{
		{},
		turn.RecordingStarted(turn.State{}, "A", noTracks),
	} {
		if _, ok := turn.Begin(s); ok {
			t.Errorf("Begin(%v) succeeded, want failure", s.Phase())
		}
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	want := map[turn.Phase]string{turn.Idle: "idle", turn.Pending: "pending", turn.Armed: "armed", turn.Running: "running"}
	for p, s := range want {
		if p.String() != s {
			t.Errorf("%d.String() = %q, want %q", p, p.String(), s)
		}
	}
}
