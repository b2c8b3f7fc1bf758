// Package orchestrator runs the per-room event loop of the walkie-talkie
// translator.
//
// [Orchestrator.Run] joins a room as the agent participant, resolves the
// two chat members, and then owns the room's turn state for the rest of its
// life. Every input (side-channel signals, track subscriptions, participant
// departures, turn completions, poll ticks) arrives on one goroutine and is
// applied to the [turn.State] value with the pure transition functions of
// package turn. Turns run one at a time on a child goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/walkietalk/internal/directory"
	"github.com/MrWong99/walkietalk/internal/observe"
	"github.com/MrWong99/walkietalk/internal/pipeline"
	"github.com/MrWong99/walkietalk/internal/signal"
	"github.com/MrWong99/walkietalk/internal/turn"
	"github.com/MrWong99/walkietalk/pkg/room"
)

// Defaults applied by [New] for zero [Config] fields.
const (
	DefaultAgentIdentity   = "translation-agent"
	DefaultArmPollInterval = time.Second
	DefaultSettlePeriod    = 5 * time.Second

	// FailureMessage is the ERROR text sent when a turn fails.
	FailureMessage = "Translation failed"
)

// ErrTooFewMembers is returned by Run when the chat does not resolve to two
// members.
var ErrTooFewMembers = errors.New("orchestrator: fewer than two chat members")

// TurnRunner executes one armed turn. [*pipeline.Pipeline] implements it.
type TurnRunner interface {
	Run(ctx context.Context, r room.Room, t pipeline.Turn) (pipeline.Result, error)
}

var _ TurnRunner = (*pipeline.Pipeline)(nil)

// Config holds the orchestrator settings shared by all rooms.
type Config struct {
	// Topic is the side-channel topic carrying turn signals.
	Topic string

	// AgentIdentity is the agent's own participant identity. Data sent
	// from it is ignored.
	AgentIdentity string

	// ArmPollInterval is how often the loop re-checks room occupancy.
	ArmPollInterval time.Duration

	// SettlePeriod is how long the room must stay empty before Run
	// returns.
	SettlePeriod time.Duration
}

// Orchestrator runs rooms. One value serves any number of concurrent Run
// calls; each call owns its room exclusively.
type Orchestrator struct {
	rooms   room.Service
	dir     directory.Directory
	runner  TurnRunner
	cfg     Config
	metrics *observe.Metrics
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics records the active room gauge on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New returns an Orchestrator.
func New(rooms room.Service, dir directory.Directory, runner TurnRunner, cfg Config, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if rooms == nil {
		errs = append(errs, errors.New("orchestrator: room service must not be nil"))
	}
	if dir == nil {
		errs = append(errs, errors.New("orchestrator: directory must not be nil"))
	}
	if runner == nil {
		errs = append(errs, errors.New("orchestrator: turn runner must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Topic == "" {
		cfg.Topic = signal.Topic
	}
	if cfg.AgentIdentity == "" {
		cfg.AgentIdentity = DefaultAgentIdentity
	}
	if cfg.ArmPollInterval <= 0 {
		cfg.ArmPollInterval = DefaultArmPollInterval
	}
	if cfg.SettlePeriod <= 0 {
		cfg.SettlePeriod = DefaultSettlePeriod
	}

	o := &Orchestrator{rooms: rooms, dir: dir, runner: runner, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Run joins roomName and serves turns for chatID until ctx is cancelled,
// the room stays empty for the settle period, or the connection is lost.
// The room is always disconnected before Run returns. A running turn is
// cancelled and awaited first.
//
// Only setup failures are returned; turn failures are reported to the room.
func (o *Orchestrator) Run(ctx context.Context, roomName, chatID string) error {
	ctx = observe.WithLogAttrs(ctx, "room", roomName, "chat_id", chatID)
	log := observe.Logger(ctx)

	r, err := o.rooms.Join(ctx, roomName)
	if err != nil {
		return fmt.Errorf("orchestrator: join %q: %w", roomName, err)
	}
	defer func() {
		if err := r.Disconnect(); err != nil {
			log.Warn("orchestrator: disconnect", "err", err)
		}
		log.Info("left room")
	}()

	members, err := o.dir.ChatMembers(ctx, chatID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve members of %q: %w", chatID, err)
	}
	if len(members) < directory.MaxMembers {
		return fmt.Errorf("%w: chat %q has %d", ErrTooFewMembers, chatID, len(members))
	}
	members = members[:directory.MaxMembers]

	mctx := context.WithoutCancel(ctx)
	o.metrics.ActiveRooms.Add(mctx, 1)
	defer o.metrics.ActiveRooms.Add(mctx, -1)

	log.Info("serving room",
		"members", []string{members[0].ID, members[1].ID},
		"languages", []string{members[0].Language, members[1].Language},
	)

	s := &roomSession{
		o:       o,
		room:    r,
		log:     log,
		members: members,
		done:    make(chan turnDone, 1),
	}
	return s.loop(ctx)
}

// turnDone is posted by a turn goroutine when the pipeline returns.
type turnDone struct {
	res pipeline.Result
	err error
}

// roomSession is the state owned by one Run call. Only the loop goroutine
// touches it.
type roomSession struct {
	o       *Orchestrator
	room    room.Room
	log     *slog.Logger
	members []directory.Member

	state turn.State

	// active is true while a turn goroutine exists. It outlives
	// state.IsRunning when a departing speaker abandons the turn.
	active     bool
	abandoned  bool
	cancelTurn context.CancelFunc
	recording  chan struct{}
	done       chan turnDone

	emptySince time.Time
}

func (s *roomSession) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.o.cfg.ArmPollInterval)
	defer ticker.Stop()
	defer s.abandonTurn()

	events := s.room.Events()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("room stopped")
			return nil
		case ev, ok := <-events:
			if !ok || ev.Type == room.EventDisconnected {
				s.log.Warn("orchestrator: room connection lost")
				return nil
			}
			s.handleEvent(ctx, ev)
		case d := <-s.done:
			s.turnFinished(ctx, d)
		case <-ticker.C:
			if s.roomSettledEmpty(time.Now()) {
				s.log.Info("room empty, stopping", "settle_period", s.o.cfg.SettlePeriod)
				return nil
			}
		}
		s.syncRecording()
		s.maybeStartTurn(ctx)
	}
}

// handleEvent applies one room event to the turn state.
func (s *roomSession) handleEvent(ctx context.Context, ev room.Event) {
	switch ev.Type {
	case room.EventData:
		if ev.Topic != s.o.cfg.Topic || ev.Identity == s.o.cfg.AgentIdentity {
			return
		}
		s.handleSignal(signal.Parse(ev.Payload), ev.Identity)

	case room.EventTrackSubscribed:
		s.state = turn.TrackAvailable(s.state, ev.Source)

	case room.EventParticipantDisconnected:
		abandon := s.state.IsRunning && s.state.SpeakerID == ev.Identity
		s.state = turn.ParticipantLeft(s.state, ev.Identity)
		if abandon && s.cancelTurn != nil {
			s.log.Info("speaker left during turn", "speaker", ev.Identity)
			s.abandoned = true
			s.cancelTurn()
		}
	}
}

func (s *roomSession) handleSignal(msg signal.Message, sender string) {
	switch msg.Kind {
	case signal.RecordingStart:
		speaker := msg.UserID()
		if _, ok := s.member(speaker); !ok {
			s.log.Debug("ignoring start from non-member", "user_id", speaker, "sender", sender)
			return
		}
		s.state = turn.RecordingStarted(s.state, speaker, s.room.AudioSource)
	case signal.RecordingStop:
		s.state = turn.RecordingStopped(s.state, msg.UserID())
	}
}

// syncRecording closes the running turn's recording channel once the state
// no longer reports the button held.
func (s *roomSession) syncRecording() {
	if s.recording == nil {
		return
	}
	if !s.state.IsRunning || !s.state.Recording {
		close(s.recording)
		s.recording = nil
	}
}

func (s *roomSession) maybeStartTurn(ctx context.Context) {
	if s.active {
		return
	}
	next, ok := turn.Begin(s.state)
	if !ok {
		return
	}
	speaker, _ := s.member(next.SpeakerID)
	listener := s.other(next.SpeakerID)
	s.state = next

	t := pipeline.Turn{
		ID:             uuid.NewString(),
		Speaker:        speaker.ID,
		Listener:       listener.ID,
		SourceLanguage: speaker.Language,
		TargetLanguage: listener.Language,
		Audio:          next.Audio,
	}
	s.recording = make(chan struct{})
	t.Recording = s.recording

	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	s.active = true
	s.abandoned = false

	s.log.Info("turn started", "turn_id", t.ID, "speaker", t.Speaker, "listener", t.Listener,
		"source_language", t.SourceLanguage, "target_language", t.TargetLanguage)

	go func() {
		res, err := s.o.runner.Run(turnCtx, s.room, t)
		s.done <- turnDone{res: res, err: err}
	}()
}

// turnFinished returns the state to Idle and re-applies a start that
// arrived while the turn was running.
func (s *roomSession) turnFinished(ctx context.Context, d turnDone) {
	s.active = false
	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}

	abandoned := s.abandoned
	s.abandoned = false

	switch {
	case d.err == nil || ctx.Err() != nil:
	case abandoned:
		s.log.Info("turn abandoned", "err", d.err)
	default:
		s.log.Error("turn failed", "err", d.err)
		s.publish(ctx, signal.NewError(FailureMessage))
	}

	if !s.state.IsRunning {
		// The turn was abandoned; the state already moved on.
		return
	}
	var queued string
	s.state, queued = turn.Finished(s.state)
	if queued != "" {
		s.state = turn.RecordingStarted(s.state, queued, s.room.AudioSource)
	}
}

// abandonTurn cancels a running turn and waits for it to return.
func (s *roomSession) abandonTurn() {
	if !s.active {
		return
	}
	s.cancelTurn()
	d := <-s.done
	s.active = false
	if d.err != nil {
		s.log.Debug("turn cancelled on room stop", "err", d.err)
	}
}

// roomSettledEmpty reports whether the room has had no remote participants
// for at least the settle period. A running turn postpones the check.
func (s *roomSession) roomSettledEmpty(now time.Time) bool {
	if s.active || s.room.RemoteParticipantCount() > 0 {
		s.emptySince = time.Time{}
		return false
	}
	if s.emptySince.IsZero() {
		s.emptySince = now
		return false
	}
	return now.Sub(s.emptySince) >= s.o.cfg.SettlePeriod
}

func (s *roomSession) publish(ctx context.Context, m signal.Message) {
	payload, err := m.Bytes()
	if err == nil {
		err = s.room.PublishData(ctx, s.o.cfg.Topic, payload)
	}
	if err != nil {
		s.log.Warn("orchestrator: publish signal", "kind", m.Kind, "err", err)
	}
}

func (s *roomSession) member(id string) (directory.Member, bool) {
	for _, m := range s.members {
		if m.ID == id {
			return m, true
		}
	}
	return directory.Member{}, false
}

// other returns the member that is not id.
func (s *roomSession) other(id string) directory.Member {
	if s.members[0].ID == id {
		return s.members[1]
	}
	return s.members[0]
}
