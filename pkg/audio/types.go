// Package audio holds the PCM frame type shared by the media room adapters
// and the turn pipeline, plus the small amount of sample arithmetic the
// pipeline needs: channel downmixing, integer-ratio decimation and
// frame slicing for outbound tracks.
//
// All PCM handled here is signed 16-bit little-endian, interleaved when
// Channels > 1.
package audio

import "time"

// AudioFrame is one chunk of captured or synthesised PCM audio.
type AudioFrame struct {
	// Data is interleaved PCM16 little-endian audio.
	Data []byte

	// SampleRate in Hz (48000 from the room transport, 16000 for STT,
	// 24000 from synthesis).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Timestamp marks when the frame was captured, relative to the start
	// of its stream.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Zero for malformed
// frames.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
