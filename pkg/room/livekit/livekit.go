// Package livekit implements [room.Service] on top of the LiveKit Go server
// SDK.
//
// The agent joins with a token minted from the API key pair. Every
// subscribed remote audio track is decoded from Opus to 48 kHz mono PCM and
// exposed as a [room.AudioSource]. Outbound audio is published as PCM local
// tracks that the SDK encodes to Opus. Data messages use the reliable
// channel with a topic.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	media "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/walkietalk/pkg/audio"
	"github.com/MrWong99/walkietalk/pkg/room"
)

const (
	// eventBuffer bounds the number of room events waiting for the consumer.
	eventBuffer = 256

	// eventWait is how long an SDK callback waits for room on a full event
	// queue before the event is dropped with a warning.
	eventWait = 2 * time.Second
)

// Config holds the server address and agent credentials.
type Config struct {
	// URL is the LiveKit server WebSocket URL (ws:// or wss://).
	URL string

	APIKey    string
	APISecret string

	// Identity and Name of the agent participant.
	Identity string
	Name     string

	// TokenTTL is the validity of each join token. Zero means
	// [DefaultTokenTTL].
	TokenTTL time.Duration
}

// Service joins LiveKit rooms as the agent.
type Service struct {
	cfg Config
}

var _ room.Service = (*Service)(nil)

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	var errs []error
	if cfg.URL == "" {
		errs = append(errs, errors.New("livekit: url is required"))
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		errs = append(errs, errors.New("livekit: api key and secret are required"))
	}
	if cfg.Identity == "" {
		errs = append(errs, errors.New("livekit: agent identity is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Identity
	}
	return &Service{cfg: cfg}, nil
}

// Join implements [room.Service]. The SDK connect call does not take a
// context; when ctx ends first, Join returns and the late connection is
// closed in the background.
func (s *Service) Join(ctx context.Context, roomName string) (room.Room, error) {
	token, err := AgentToken(s.cfg.APIKey, s.cfg.APISecret, roomName, s.cfg.Identity, s.cfg.Name, s.cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	r := newRoom(roomName)

	type result struct {
		lk  *lksdk.Room
		err error
	}
	ch := make(chan result, 1)
	go func() {
		lk, err := lksdk.ConnectToRoomWithToken(s.cfg.URL, token, r.callback())
		ch <- result{lk: lk, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			r.shutdown()
			return nil, fmt.Errorf("livekit: connect to %q: %w", roomName, res.err)
		}
		r.attach(res.lk)
		slog.Info("livekit: joined room", "room", roomName, "identity", s.cfg.Identity)
		return r, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.lk != nil {
				res.lk.Disconnect()
			}
			r.shutdown()
		}()
		return nil, fmt.Errorf("livekit: connect to %q: %w", roomName, ctx.Err())
	}
}

// Room is a connected LiveKit room.
type Room struct {
	name      string
	events    chan room.Event
	eventWait time.Duration

	// sendMu is held shared by emit and exclusively while events is
	// closed. done is closed first so blocked senders let go of it.
	sendMu sync.RWMutex
	done   chan struct{}

	mu      sync.Mutex
	lk      *lksdk.Room
	sources map[string]*source
	tracks  map[string]*outboundTrack
	closed  bool
}

var _ room.Room = (*Room)(nil)

func newRoom(name string) *Room {
	return &Room{
		name:      name,
		events:    make(chan room.Event, eventBuffer),
		eventWait: eventWait,
		done:      make(chan struct{}),
		sources:   make(map[string]*source),
		tracks:  make(map[string]*outboundTrack),
	}
}

func (r *Room) attach(lk *lksdk.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lk = lk
}

func (r *Room) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				r.trackSubscribed(string(rp.Identity()), rtpPayloads(track))
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				r.removeSource(string(rp.Identity()))
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				user := data.ToProto().GetUser()
				if user == nil {
					return
				}
				r.emit(room.Event{
					Type:     room.EventData,
					Identity: params.SenderIdentity,
					Topic:    user.GetTopic(),
					Payload:  user.GetPayload(),
				})
			},
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			identity := string(rp.Identity())
			r.removeSource(identity)
			r.emit(room.Event{Type: room.EventParticipantDisconnected, Identity: identity})
		},
		OnDisconnected: func() {
			r.emit(room.Event{Type: room.EventDisconnected})
		},
	}
}

// rtpPayloads adapts a remote track to a packetReader.
func rtpPayloads(track *webrtc.TrackRemote) packetReader {
	return func() ([]byte, error) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	}
}

func (r *Room) trackSubscribed(identity string, read packetReader) {
	dec, err := newOpusDecoder()
	if err != nil {
		slog.Error("livekit: cannot decode track", "room", r.name, "identity", identity, "err", err)
		return
	}
	src := newSource(identity, read, dec.decode)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		src.close()
		return
	}
	if old, ok := r.sources[identity]; ok {
		old.close()
	}
	r.sources[identity] = src
	r.mu.Unlock()

	slog.Debug("livekit: audio track subscribed", "room", r.name, "identity", identity)
	r.emit(room.Event{Type: room.EventTrackSubscribed, Identity: identity, Source: src})
}

func (r *Room) removeSource(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[identity]; ok {
		src.close()
		delete(r.sources, identity)
	}
}

// emit queues ev. On a full queue it waits up to eventWait for the
// consumer, then drops ev with a warning.
func (r *Room) emit(ev room.Event) {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	select {
	case r.events <- ev:
		return
	default:
	}
	timer := time.NewTimer(r.eventWait)
	defer timer.Stop()
	select {
	case r.events <- ev:
	case <-r.done:
	case <-timer.C:
		slog.Warn("livekit: event queue full, dropping event", "room", r.name, "type", ev.Type)
	}
}

// Name implements [room.Room].
func (r *Room) Name() string { return r.name }

// Events implements [room.Room].
func (r *Room) Events() <-chan room.Event { return r.events }

// RemoteParticipantCount implements [room.Room].
func (r *Room) RemoteParticipantCount() int {
	lk := r.conn()
	if lk == nil {
		return 0
	}
	return len(lk.GetRemoteParticipants())
}

// AudioSource implements [room.Room].
func (r *Room) AudioSource(identity string) (room.AudioSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[identity]
	if !ok {
		return nil, false
	}
	return src, true
}

// PublishData implements [room.Room].
func (r *Room) PublishData(_ context.Context, topic string, payload []byte) error {
	lk := r.conn()
	if lk == nil {
		return room.ErrClosed
	}
	err := lk.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(topic),
	)
	if err != nil {
		return fmt.Errorf("livekit: publish data: %w", err)
	}
	return nil
}

// PublishAudio implements [room.Room].
func (r *Room) PublishAudio(_ context.Context, name string, sampleRate, channels int) (room.OutboundTrack, error) {
	lk := r.conn()
	if lk == nil {
		return nil, room.ErrClosed
	}
	track, err := lkmedia.NewPCMLocalTrack(sampleRate, channels, nil)
	if err != nil {
		return nil, fmt.Errorf("livekit: create audio track: %w", err)
	}
	pub, err := lk.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("livekit: publish audio track %q: %w", name, err)
	}

	out := &outboundTrack{sid: pub.SID(), track: track}
	r.mu.Lock()
	r.tracks[out.sid] = out
	r.mu.Unlock()
	return out, nil
}

// Unpublish implements [room.Room].
func (r *Room) Unpublish(t room.OutboundTrack) error {
	r.mu.Lock()
	out, ok := r.tracks[t.ID()]
	delete(r.tracks, t.ID())
	lk := r.lk
	closed := r.closed
	r.mu.Unlock()
	if !ok {
		return nil
	}
	out.track.Close()
	if closed || lk == nil {
		return nil
	}
	if err := lk.LocalParticipant.UnpublishTrack(out.sid); err != nil {
		return fmt.Errorf("livekit: unpublish %s: %w", out.sid, err)
	}
	return nil
}

// Disconnect implements [room.Room].
func (r *Room) Disconnect() error {
	r.mu.Lock()
	lk := r.lk
	r.mu.Unlock()
	if r.shutdown() && lk != nil {
		lk.Disconnect()
	}
	return nil
}

// shutdown marks the room closed, stops all sources and tracks, and closes
// the event channel. It reports whether this call did the work.
func (r *Room) shutdown() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	close(r.done)
	for id, src := range r.sources {
		src.close()
		delete(r.sources, id)
	}
	for sid, t := range r.tracks {
		t.track.Close()
		delete(r.tracks, sid)
	}
	r.mu.Unlock()

	r.sendMu.Lock()
	close(r.events)
	r.sendMu.Unlock()
	return true
}

func (r *Room) conn() *lksdk.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.lk
}

// outboundTrack is a published PCM track.
type outboundTrack struct {
	sid   string
	track *lkmedia.PCMLocalTrack
}

var _ room.OutboundTrack = (*outboundTrack)(nil)

// ID implements [room.OutboundTrack].
func (t *outboundTrack) ID() string { return t.sid }

// WriteFrame implements [room.OutboundTrack].
func (t *outboundTrack) WriteFrame(frame audio.AudioFrame) error {
	if err := t.track.WriteSample(media.PCM16Sample(audio.BytesToInt16s(frame.Data))); err != nil {
		return fmt.Errorf("livekit: write sample: %w", err)
	}
	return nil
}

// WaitPlayout implements [room.OutboundTrack]. WriteSample only queues
// samples, the track plays them out in real time.
func (t *outboundTrack) WaitPlayout(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.track.WaitForPlayout()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wakes the waiter above.
		t.track.ClearQueue()
		return ctx.Err()
	}
}
