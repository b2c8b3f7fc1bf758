package livekit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/walkietalk/pkg/audio"
	"github.com/MrWong99/walkietalk/pkg/room"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// chanReader returns a packetReader that yields packets pushed on ch and
// fails with io.EOF once ch is closed.
func chanReader(ch <-chan []byte) packetReader {
	return func() ([]byte, error) {
		p, ok := <-ch
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	}
}

// rawDecode treats each payload as little-endian PCM16.
func rawDecode(p []byte) ([]int16, error) { return audio.BytesToInt16s(p), nil }

func recvFrame(t *testing.T, ch <-chan audio.AudioFrame) audio.AudioFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("frame channel closed")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return audio.AudioFrame{}
}

func waitClosed(t *testing.T, ch <-chan audio.AudioFrame) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame channel not closed")
		}
	}
}

// ─── token ───────────────────────────────────────────────────────────────────

func TestAgentToken_Claims(t *testing.T) {
	t.Parallel()
	tok, err := AgentToken("key", "secret-secret-secret-secret-1234", "chat-42", "translation-agent", "Translator", 10*time.Minute)
	if err != nil {
		t.Fatalf("AgentToken: %v", err)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("want 3 JWT segments, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims struct {
		Iss   string `json:"iss"`
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Exp   int64  `json:"exp"`
		Nbf   int64  `json:"nbf"`
		Video struct {
			Room     string `json:"room"`
			RoomJoin bool   `json:"roomJoin"`
		} `json:"video"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims.Iss != "key" {
		t.Errorf("iss: want key, got %q", claims.Iss)
	}
	if claims.Sub != "translation-agent" || claims.Name != "Translator" {
		t.Errorf("identity: got sub=%q name=%q", claims.Sub, claims.Name)
	}
	if claims.Video.Room != "chat-42" || !claims.Video.RoomJoin {
		t.Errorf("grant: got %+v", claims.Video)
	}
	if ttl := time.Duration(claims.Exp-claims.Nbf) * time.Second; ttl != 10*time.Minute {
		t.Errorf("ttl: want 10m, got %v", ttl)
	}
}

func TestAgentToken_DefaultTTL(t *testing.T) {
	t.Parallel()
	tok, err := AgentToken("key", "secret-secret-secret-secret-1234", "chat-42", "translation-agent", "", 0)
	if err != nil {
		t.Fatalf("AgentToken: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.Split(tok, ".")[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims struct {
		Exp int64 `json:"exp"`
		Nbf int64 `json:"nbf"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	ttl := time.Duration(claims.Exp-claims.Nbf) * time.Second
	if d := ttl - 2*time.Hour; d < -time.Second || d > time.Second {
		t.Errorf("ttl: want 2h, got %v", ttl)
	}
}

func TestAgentToken_Errors(t *testing.T) {
	t.Parallel()
	if _, err := AgentToken("", "s", "r", "id", "", time.Minute); err == nil {
		t.Error("want error for missing key")
	}
	if _, err := AgentToken("k", "s", "", "id", "", time.Minute); err == nil {
		t.Error("want error for missing room")
	}
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewService(Config{}); err == nil {
		t.Fatal("want error for empty config")
	}
	svc, err := NewService(Config{URL: "ws://localhost:7880", APIKey: "k", APISecret: "s", Identity: "agent"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.cfg.Name != "agent" {
		t.Errorf("name default: want agent, got %q", svc.cfg.Name)
	}
}

// ─── source ──────────────────────────────────────────────────────────────────

func TestSource_FansOutToSubscribers(t *testing.T) {
	t.Parallel()
	packets := make(chan []byte)
	src := newSource("A", chanReader(packets), rawDecode)
	defer src.close()

	ctx := context.Background()
	a := src.Frames(ctx)
	b := src.Frames(ctx)

	packets <- audio.Int16sToBytes([]int16{1, 2, 3})

	for _, ch := range []<-chan audio.AudioFrame{a, b} {
		f := recvFrame(t, ch)
		if f.SampleRate != opusSampleRate || f.Channels != 1 {
			t.Errorf("format: got %d Hz %d ch", f.SampleRate, f.Channels)
		}
		if got := audio.BytesToInt16s(f.Data); len(got) != 3 || got[2] != 3 {
			t.Errorf("samples: got %v", got)
		}
	}
	if src.Identity() != "A" {
		t.Errorf("identity: want A, got %q", src.Identity())
	}
}

func TestSource_TimestampsAdvance(t *testing.T) {
	t.Parallel()
	packets := make(chan []byte)
	src := newSource("A", chanReader(packets), rawDecode)
	defer src.close()

	ch := src.Frames(context.Background())
	pcm := make([]int16, 960) // 20 ms at 48 kHz
	packets <- audio.Int16sToBytes(pcm)
	packets <- audio.Int16sToBytes(pcm)

	first := recvFrame(t, ch)
	second := recvFrame(t, ch)
	if first.Timestamp != 0 || second.Timestamp != 20*time.Millisecond {
		t.Errorf("timestamps: got %v, %v", first.Timestamp, second.Timestamp)
	}
}

func TestSource_CancelClosesSubscription(t *testing.T) {
	t.Parallel()
	packets := make(chan []byte)
	src := newSource("A", chanReader(packets), rawDecode)
	defer src.close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := src.Frames(ctx)
	cancel()
	waitClosed(t, ch)

	// A later subscription still receives frames.
	next := src.Frames(context.Background())
	packets <- audio.Int16sToBytes([]int16{7})
	recvFrame(t, next)
}

func TestSource_TrackEndClosesEverything(t *testing.T) {
	t.Parallel()
	packets := make(chan []byte)
	src := newSource("A", chanReader(packets), rawDecode)

	ch := src.Frames(context.Background())
	close(packets)
	waitClosed(t, ch)

	late := src.Frames(context.Background())
	waitClosed(t, late)
}

func TestSource_SkipsUndecodablePackets(t *testing.T) {
	t.Parallel()
	packets := make(chan []byte)
	decode := func(p []byte) ([]int16, error) {
		if p[0] == 0xff {
			return nil, errors.New("corrupt")
		}
		return rawDecode(p)
	}
	src := newSource("A", chanReader(packets), decode)
	defer src.close()

	ch := src.Frames(context.Background())
	packets <- []byte{0xff, 0xff}
	packets <- []byte{}
	packets <- audio.Int16sToBytes([]int16{5})

	f := recvFrame(t, ch)
	if got := audio.BytesToInt16s(f.Data); len(got) != 1 || got[0] != 5 {
		t.Errorf("want the valid packet only, got %v", got)
	}
}

func TestOpusDecoder_RoundTrip(t *testing.T) {
	t.Parallel()
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16((i % 48) * 200)
	}
	packet, err := enc.Encode(pcm, len(pcm), 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}
	got, err := dec.decode(packet)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 960 {
		t.Errorf("samples: want 960, got %d", len(got))
	}

	if _, err := dec.decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("want error for garbage packet")
	}
}

// ─── room ────────────────────────────────────────────────────────────────────

func TestRoom_TrackLifecycle(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	packets := make(chan []byte)
	r.trackSubscribed("A", chanReader(packets))

	ev := <-r.Events()
	if ev.Type != room.EventTrackSubscribed || ev.Identity != "A" || ev.Source == nil {
		t.Fatalf("event: got %+v", ev)
	}
	src, ok := r.AudioSource("A")
	if !ok || src.Identity() != "A" {
		t.Fatalf("AudioSource(A): ok=%v", ok)
	}
	if _, ok := r.AudioSource("B"); ok {
		t.Error("AudioSource(B): want none")
	}

	r.removeSource("A")
	if _, ok := r.AudioSource("A"); ok {
		t.Error("source still present after removal")
	}
	close(packets)
}

func TestRoom_ResubscribeReplacesSource(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	first := make(chan []byte)
	second := make(chan []byte)
	defer close(second)

	r.trackSubscribed("A", chanReader(first))
	old, _ := r.AudioSource("A")
	sub := old.Frames(context.Background())
	r.trackSubscribed("A", chanReader(second))

	// The replaced source ends when its reader fails.
	close(first)
	waitClosed(t, sub)

	cur, _ := r.AudioSource("A")
	if cur == old {
		t.Error("want replaced source")
	}
}

func TestRoom_DisconnectClosesEvents(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	r.emit(room.Event{Type: room.EventData, Identity: "A", Topic: "t", Payload: []byte("x")})

	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	r.emit(room.Event{Type: room.EventDisconnected})

	var got []room.Event
	for ev := range r.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Type != room.EventData {
		t.Errorf("events: got %+v", got)
	}

	if err := r.PublishData(context.Background(), "t", nil); !errors.Is(err, room.ErrClosed) {
		t.Errorf("PublishData after disconnect: want ErrClosed, got %v", err)
	}
	if _, err := r.PublishAudio(context.Background(), "x", 24000, 1); !errors.Is(err, room.ErrClosed) {
		t.Errorf("PublishAudio after disconnect: want ErrClosed, got %v", err)
	}
	if n := r.RemoteParticipantCount(); n != 0 {
		t.Errorf("participant count: want 0, got %d", n)
	}
}

func TestRoom_FullQueueWaitsForConsumer(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	for i := 0; i < eventBuffer; i++ {
		r.emit(room.Event{Type: room.EventData})
	}

	sent := make(chan struct{})
	go func() {
		r.emit(room.Event{Type: room.EventParticipantDisconnected, Identity: "A"})
		close(sent)
	}()
	select {
	case <-sent:
		t.Fatal("emit returned while the queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	<-r.Events()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("emit did not finish after the consumer made room")
	}

	var last room.Event
	for i := 0; i < eventBuffer; i++ {
		last = <-r.Events()
	}
	if last.Type != room.EventParticipantDisconnected || last.Identity != "A" {
		t.Errorf("last event: want participant A disconnected, got %+v", last)
	}
}

func TestRoom_FullQueueDropsAfterWait(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	r.eventWait = 10 * time.Millisecond
	for i := 0; i < eventBuffer; i++ {
		r.emit(room.Event{Type: room.EventData})
	}
	r.emit(room.Event{Type: room.EventDisconnected})
	if n := len(r.events); n != eventBuffer {
		t.Errorf("queued events: want %d, got %d", eventBuffer, n)
	}
}

func TestRoom_DisconnectReleasesBlockedEmit(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	for i := 0; i < eventBuffer; i++ {
		r.emit(room.Event{Type: room.EventData})
	}
	sent := make(chan struct{})
	go func() {
		r.emit(room.Event{Type: room.EventData})
		close(sent)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("emit still blocked after Disconnect")
	}
}

func TestRoom_EmitIsConcurrencySafe(t *testing.T) {
	t.Parallel()
	r := newRoom("chat-42")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.emit(room.Event{Type: room.EventData})
			}
		}()
	}
	_ = r.Disconnect()
	wg.Wait()
}
