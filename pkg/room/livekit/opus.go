package livekit

import (
	"fmt"

	"layeh.com/gopus"
)

// Inbound microphone tracks are Opus at 48 kHz. They are decoded to mono;
// stereo packets are downmixed by the decoder.
const (
	opusSampleRate = 48000
	opusChannels   = 1

	// opusMaxFrameSize is the largest Opus frame (120 ms) in samples per
	// channel.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// opusDecoder wraps a gopus decoder for a single participant track. Each
// track gets its own decoder to keep decoder state across packets.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("livekit: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one Opus packet into mono PCM16 samples.
func (d *opusDecoder) decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("livekit: opus decode: %w", err)
	}
	return pcm, nil
}
