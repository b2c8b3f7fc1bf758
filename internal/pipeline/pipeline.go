// Package pipeline runs one push-to-talk turn: it streams the speaker's
// audio to speech-to-text, aggregates the committed transcript, translates
// it for the listener and plays the synthesised result back into the room
// on a short-lived audio track.
//
// Turn signals are published on the room's side channel as the turn
// progresses:
//
//   - same source and target language: TURN_COMPLETE, nothing else runs
//   - empty transcript: TURN_COMPLETE
//   - otherwise: PROCESSING, SPEAKING{original, translated}, TURN_COMPLETE
//
// Failures are returned to the caller, which reports them to the room. Run
// never publishes ERROR itself.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/walkietalk/internal/observe"
	"github.com/MrWong99/walkietalk/internal/signal"
	"github.com/MrWong99/walkietalk/internal/translate"
	"github.com/MrWong99/walkietalk/pkg/audio"
	"github.com/MrWong99/walkietalk/pkg/provider/stt"
	"github.com/MrWong99/walkietalk/pkg/provider/tts"
	"github.com/MrWong99/walkietalk/pkg/room"
)

// Defaults applied by [New] for zero [Config] fields.
const (
	DefaultSTTSampleRate     = 16000
	DefaultTTSSampleRate     = 24000
	DefaultTranscriptTimeout = 5 * time.Second
	DefaultDrainDelay        = 2 * time.Second

	// outboundFrame is the playout chunk written to the turn's track.
	outboundFrame = 10 * time.Millisecond
)

// Config holds the per-process turn settings.
type Config struct {
	// Topic is the side-channel topic turn signals are published on.
	Topic string

	// STTSampleRate is the rate inbound audio is decimated to.
	STTSampleRate int

	// TTSSampleRate is the rate of synthesised audio and of the outbound
	// track.
	TTSSampleRate int

	// TranscriptTimeout bounds the wait for the transcript after commit.
	TranscriptTimeout time.Duration

	// DrainDelay is waited after the last synthesised frame has played out
	// and before the track is unpublished. Negative disables the wait.
	DrainDelay time.Duration

	// Voices maps a target language to a synthesis voice id. Languages
	// without an entry use the provider's default voice.
	Voices map[string]string
}

// Turn describes one armed turn.
type Turn struct {
	// ID correlates logs and spans. A random id is assigned when empty.
	ID string

	Speaker  string
	Listener string

	SourceLanguage string
	TargetLanguage string

	// Audio is the speaker's resolved inbound track.
	Audio room.AudioSource

	// Recording is closed when the speaker releases the button. The audio
	// producer stops forwarding frames once it is closed.
	Recording <-chan struct{}
}

// Result summarises a finished turn.
type Result struct {
	// Outcome is one of the observe.Outcome* constants.
	Outcome string

	Transcript  string
	Translation string
}

// Pipeline executes turns. A single Pipeline serves every room; it holds no
// per-turn state.
type Pipeline struct {
	stt        stt.Provider
	translator translate.Translator
	tts        tts.Provider
	cfg        Config
	metrics    *observe.Metrics
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records turn metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New returns a Pipeline wired to the given providers.
func New(sttProvider stt.Provider, translator translate.Translator, ttsProvider tts.Provider, cfg Config, opts ...Option) (*Pipeline, error) {
	var errs []error
	if sttProvider == nil {
		errs = append(errs, errors.New("pipeline: stt provider must not be nil"))
	}
	if translator == nil {
		errs = append(errs, errors.New("pipeline: translator must not be nil"))
	}
	if ttsProvider == nil {
		errs = append(errs, errors.New("pipeline: tts provider must not be nil"))
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("pipeline: topic must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.STTSampleRate <= 0 {
		cfg.STTSampleRate = DefaultSTTSampleRate
	}
	if cfg.TTSSampleRate <= 0 {
		cfg.TTSSampleRate = DefaultTTSSampleRate
	}
	if cfg.TranscriptTimeout <= 0 {
		cfg.TranscriptTimeout = DefaultTranscriptTimeout
	}
	switch {
	case cfg.DrainDelay == 0:
		cfg.DrainDelay = DefaultDrainDelay
	case cfg.DrainDelay < 0:
		cfg.DrainDelay = 0
	}

	p := &Pipeline{
		stt:        sttProvider,
		translator: translator,
		tts:        ttsProvider,
		cfg:        cfg,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Run executes t in r. It blocks until the turn completes, fails, or ctx is
// cancelled. The outbound track, if one was published, is always
// unpublished before Run returns.
func (p *Pipeline) Run(ctx context.Context, r room.Room, t Turn) (res Result, err error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "pipeline.turn")
	log := observe.Logger(ctx).With(
		"turn_id", t.ID,
		"speaker", t.Speaker,
		"listener", t.Listener,
	)
	defer func() {
		if err != nil {
			res.Outcome = observe.OutcomeError
			if ctx.Err() != nil {
				res.Outcome = observe.OutcomeAborted
			}
		}
		p.metrics.RecordTurn(context.WithoutCancel(ctx), res.Outcome, time.Since(start))
		observe.EndSpan(span, err)
		log.Info("turn finished", "outcome", res.Outcome, "duration", time.Since(start))
	}()

	if translate.SameLanguage(t.SourceLanguage, t.TargetLanguage) {
		p.publish(ctx, log, r, signal.NewTurnComplete())
		return Result{Outcome: observe.OutcomeSameLanguage}, nil
	}

	transcript, err := p.transcribe(ctx, log, t)
	if err != nil {
		return Result{}, err
	}
	if transcript == "" {
		p.publish(ctx, log, r, signal.NewTurnComplete())
		return Result{Outcome: observe.OutcomeEmpty}, nil
	}
	res.Transcript = transcript

	p.publish(ctx, log, r, signal.NewProcessing())

	tctx, tspan := observe.StartSpan(ctx, "pipeline.translate")
	translated, err := p.translator.Translate(tctx, transcript, t.SourceLanguage, t.TargetLanguage)
	observe.EndSpan(tspan, err)
	if err != nil {
		return res, fmt.Errorf("pipeline: translate: %w", err)
	}
	res.Translation = translated

	p.publish(ctx, log, r, signal.NewSpeaking(transcript, translated))

	if err := p.synthesize(ctx, log, r, t, translated); err != nil {
		return res, fmt.Errorf("pipeline: synthesize: %w", err)
	}

	p.publish(ctx, log, r, signal.NewTurnComplete())
	res.Outcome = observe.OutcomeTranslated
	return res, nil
}

// publish sends m on the turn topic. Delivery failures are logged; the turn
// carries on.
func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, r room.Room, m signal.Message) {
	payload, err := m.Bytes()
	if err != nil {
		log.Warn("pipeline: encode signal", "kind", m.Kind, "err", err)
		return
	}
	if err := r.PublishData(ctx, p.cfg.Topic, payload); err != nil {
		log.Warn("pipeline: publish signal", "kind", m.Kind, "err", err)
	}
}

// voiceFor returns the configured voice of lang, or the zero profile which
// selects the provider default.
func (p *Pipeline) voiceFor(lang string) tts.VoiceProfile {
	for l, id := range p.cfg.Voices {
		if strings.EqualFold(l, lang) {
			return tts.VoiceProfile{ID: id}
		}
	}
	return tts.VoiceProfile{}
}

// transcribe streams the turn's audio to a new STT session and returns the
// aggregated transcript. A silent service yields an empty transcript after
// the transcript timeout, not an error.
func (p *Pipeline) transcribe(ctx context.Context, log *slog.Logger, t Turn) (transcript string, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe")
	defer func() { observe.EndSpan(span, err) }()

	sess, err := p.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: p.cfg.STTSampleRate,
		Channels:   1,
		Language:   t.SourceLanguage,
	})
	if err != nil {
		p.metrics.RecordProviderError(ctx, "stt", "start")
		return "", fmt.Errorf("pipeline: start stt: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("pipeline: close stt session", "err", cerr)
		}
	}()

	committed := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	ingressCtx, stopIngress := context.WithCancel(gctx)
	defer stopIngress()

	g.Go(func() error {
		return p.ingress(ingressCtx, log, sess, t, committed)
	})
	g.Go(func() error {
		defer stopIngress()
		var aerr error
		transcript, aerr = p.aggregate(gctx, log, sess.Results(), committed)
		return aerr
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	return transcript, nil
}

// ingress forwards decimated frames from the speaker's track until the
// recording ends, the track ends or ctx is done. It sends exactly one commit
// on every exit path and closes committed afterwards.
func (p *Pipeline) ingress(ctx context.Context, log *slog.Logger, sess stt.SessionHandle, t Turn, committed chan<- struct{}) (err error) {
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	defer func() {
		if cerr := sess.Commit(); cerr != nil {
			if err == nil && ctx.Err() == nil {
				err = fmt.Errorf("pipeline: commit: %w", cerr)
			} else {
				log.Debug("pipeline: commit after aborted ingress", "err", cerr)
			}
		}
		close(committed)
	}()

	dec := audio.NewDecimator(p.cfg.STTSampleRate)
	frames := t.Audio.Frames(subCtx)
	var sent int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Recording:
			log.Debug("recording stopped", "chunks", sent)
			return nil
		case frame, ok := <-frames:
			if !ok {
				log.Debug("speaker track ended", "chunks", sent)
				return nil
			}
			out := dec.Convert(frame)
			if len(out.Data) == 0 {
				continue
			}
			if err := sess.SendAudio(out.Data); err != nil {
				p.metrics.RecordProviderError(ctx, "stt", "send")
				return fmt.Errorf("pipeline: send audio: %w", err)
			}
			sent++
		}
	}
}

// aggregate joins committed fragments in arrival order. It returns on the
// final fragment, an input error, the end of results, or when timeout has
// passed since commit.
func (p *Pipeline) aggregate(ctx context.Context, log *slog.Logger, results <-chan stt.Result, committed <-chan struct{}) (string, error) {
	var (
		parts      []string
		deadline   <-chan time.Time
		commitTime time.Time
	)
	done := func(reason string) string {
		if !commitTime.IsZero() {
			p.metrics.STTDuration.Record(context.WithoutCancel(ctx), time.Since(commitTime).Seconds())
		}
		text := strings.Join(parts, " ")
		log.Debug("transcript aggregated", "reason", reason, "fragments", len(parts))
		return text
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-committed:
			committed = nil
			commitTime = time.Now()
			timer := time.NewTimer(p.cfg.TranscriptTimeout)
			defer timer.Stop()
			deadline = timer.C
		case <-deadline:
			log.Warn("pipeline: transcript timeout", "timeout", p.cfg.TranscriptTimeout)
			return done("timeout"), nil
		case r, ok := <-results:
			if !ok {
				return done("closed"), nil
			}
			switch r.Kind {
			case stt.ResultCommitted:
				if text := strings.TrimSpace(r.Text); text != "" {
					parts = append(parts, text)
				}
				if r.Final {
					return done("final"), nil
				}
			case stt.ResultInputError:
				log.Warn("pipeline: stt input error", "message", r.Message)
				return done("input_error"), nil
			}
		}
	}
}

// synthesize publishes a track for the turn, streams text to the TTS
// provider and writes every chunk to the track. The track is unpublished
// on every path.
func (p *Pipeline) synthesize(ctx context.Context, log *slog.Logger, r room.Room, t Turn, text string) (err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.synthesize")
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()

	track, err := r.PublishAudio(ctx, "translated-"+t.Speaker, p.cfg.TTSSampleRate, 1)
	if err != nil {
		return fmt.Errorf("publish track: %w", err)
	}
	defer func() {
		if uerr := r.Unpublish(track); uerr != nil {
			log.Warn("pipeline: unpublish track", "track", track.ID(), "err", uerr)
		}
	}()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	stream, err := p.tts.SynthesizeStream(ctx, textCh, p.voiceFor(t.TargetLanguage))
	if err != nil {
		p.metrics.RecordProviderError(ctx, "tts", "start")
		return fmt.Errorf("start tts: %w", err)
	}

	var frames int
	chunks := stream.Audio()
loop:
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(chunks)
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			samples := audio.BytesToInt16s(audio.PadEven(chunk))
			for _, s := range audio.SplitSamples(samples, p.cfg.TTSSampleRate, 1, outboundFrame) {
				err := track.WriteFrame(audio.AudioFrame{
					Data:       audio.Int16sToBytes(s),
					SampleRate: p.cfg.TTSSampleRate,
					Channels:   1,
				})
				if err != nil {
					go audio.Drain(chunks)
					return fmt.Errorf("write frame: %w", err)
				}
				frames++
			}
		}
	}
	if err := stream.Err(); err != nil {
		p.metrics.RecordProviderError(ctx, "tts", "stream")
		return fmt.Errorf("tts stream: %w", err)
	}
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	log.Debug("synthesis written", "frames", frames, "track", track.ID())

	if err := track.WaitPlayout(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait playout: %w", err)
	}

	if p.cfg.DrainDelay > 0 {
		timer := time.NewTimer(p.cfg.DrainDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}
