package livekit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/walkietalk/pkg/audio"
	"github.com/MrWong99/walkietalk/pkg/room"
)

const subscriberBuffer = 64

// packetReader returns the payload of the next RTP packet of a track.
type packetReader func() ([]byte, error)

// decodeFunc turns one payload into mono PCM16 samples at opusSampleRate.
type decodeFunc func([]byte) ([]int16, error)

// source is the [room.AudioSource] of one subscribed remote track. A single
// goroutine reads and decodes packets and fans each frame out to the open
// subscriptions. Frames are dropped for a subscriber whose buffer is full,
// and discarded while nobody is subscribed.
type source struct {
	identity string

	mu     sync.Mutex
	subs   map[int]chan audio.AudioFrame
	nextID int
	ended  bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var _ room.AudioSource = (*source)(nil)

// newSource starts reading from read until it fails or stop is called.
func newSource(identity string, read packetReader, decode decodeFunc) *source {
	s := &source{
		identity: identity,
		subs:     make(map[int]chan audio.AudioFrame),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop(read, decode)
	return s
}

// Identity implements [room.AudioSource].
func (s *source) Identity() string { return s.identity }

// Frames implements [room.AudioSource].
func (s *source) Frames(ctx context.Context) <-chan audio.AudioFrame {
	ch := make(chan audio.AudioFrame, subscriberBuffer)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}()
	return ch
}

// close stops the read loop. The packet reader is expected to fail once its
// track is gone, which ends the loop.
func (s *source) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *source) readLoop(read packetReader, decode decodeFunc) {
	defer s.end()

	var ts time.Duration
	var warned bool
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		payload, err := read()
		if err != nil {
			slog.Debug("livekit: track read ended", "identity", s.identity, "err", err)
			return
		}
		if len(payload) == 0 {
			continue
		}
		pcm, err := decode(payload)
		if err != nil {
			if !warned {
				slog.Warn("livekit: dropping undecodable packet", "identity", s.identity, "err", err)
				warned = true
			}
			continue
		}

		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(pcm),
			SampleRate: opusSampleRate,
			Channels:   opusChannels,
			Timestamp:  ts,
		}
		ts += frame.Duration()
		s.fanOut(frame)
	}
}

func (s *source) fanOut(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// end closes every subscription and rejects new ones.
func (s *source) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	close(s.done)
}
