package whisper

import "github.com/MrWong99/walkietalk/pkg/audio"

// modelSampleRate is the only input rate whisper.cpp accepts.
const modelSampleRate = 16000

// toModelInput turns interleaved PCM16 into the mono float32 samples in
// [-1, 1] that whisper.cpp expects. Rates that are a whole multiple of
// 16 kHz are decimated; other rates pass through unchanged.
func toModelInput(pcm []byte, sampleRate, channels int) []float32 {
	mono := audio.DownmixMono(pcm, max(channels, 1))
	if factor, ok := audio.DecimationFactor(sampleRate, modelSampleRate); ok {
		mono = audio.Decimate(mono, factor)
	}
	samples := audio.BytesToInt16s(mono)
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
