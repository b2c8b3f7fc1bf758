package audio

import (
	"log/slog"
	"sync"
)

// Decimator converts inbound frames to mono PCM16 at Target Hz.
//
// Only integer downsampling ratios are converted: a 48 kHz stream is reduced
// to 16 kHz by keeping every third sample. Frames whose rate is not an
// integer multiple of Target pass through at their original rate, and a
// warning is logged once per Decimator.
//
// Create one per stream. A Decimator is not safe for concurrent use.
type Decimator struct {
	Target int

	warnedRatio   sync.Once
	warnedCorrupt sync.Once
}

// NewDecimator returns a Decimator for the given target rate.
func NewDecimator(target int) *Decimator {
	return &Decimator{Target: target}
}

// Convert downmixes frame to mono and decimates it to the target rate when
// the ratio allows. Frames with an odd byte count are dropped and returned
// with nil Data.
func (d *Decimator) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		d.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
			)
		})
		return AudioFrame{SampleRate: frame.SampleRate, Channels: 1, Timestamp: frame.Timestamp}
	}

	out := frame
	if frame.Channels > 1 {
		out.Data = DownmixMono(frame.Data, frame.Channels)
		out.Channels = 1
	}

	factor, ok := DecimationFactor(out.SampleRate, d.Target)
	if !ok {
		d.warnedRatio.Do(func() {
			slog.Warn("audio: non-integer resample ratio, passing audio through",
				"from", out.SampleRate,
				"to", d.Target,
			)
		})
		return out
	}
	if factor > 1 {
		out.Data = Decimate(out.Data, factor)
		out.SampleRate = d.Target
	}
	return out
}

// DecimationFactor reports the integer factor that takes src to dst. It
// returns (1, true) when the rates match and false when src is not a whole
// multiple of dst.
func DecimationFactor(src, dst int) (int, bool) {
	if src <= 0 || dst <= 0 {
		return 0, false
	}
	if src == dst {
		return 1, true
	}
	if src%dst != 0 {
		return 0, false
	}
	return src / dst, true
}

// Decimate keeps every factor-th sample of mono PCM16 data.
func Decimate(pcm []byte, factor int) []byte {
	if factor <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, 0, (n/factor+1)*2)
	for i := 0; i < n; i += factor {
		out = append(out, pcm[i*2], pcm[i*2+1])
	}
	return out
}

// DownmixMono averages interleaved channels into a single mono channel.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := BytesToInt16s(pcm)
	frames := len(samples) / channels
	mono := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return Int16sToBytes(mono)
}
