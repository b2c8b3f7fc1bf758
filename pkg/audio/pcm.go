package audio

import (
	"encoding/binary"
	"time"
)

// BytesToInt16s converts little-endian PCM16 bytes to samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// Int16sToBytes converts samples to little-endian PCM16 bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// PadEven appends a zero byte when b has an odd length so the result holds
// whole PCM16 samples. b is returned as is otherwise.
func PadEven(b []byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	out := make([]byte, len(b)+1)
	copy(out, b)
	return out
}

// SplitSamples slices pcm into consecutive chunks of frameDur each. The last
// chunk may be shorter. A non-positive frame size returns pcm as a single
// chunk.
func SplitSamples(pcm []int16, sampleRate, channels int, frameDur time.Duration) [][]int16 {
	if len(pcm) == 0 {
		return nil
	}
	size := int(time.Duration(sampleRate)*frameDur/time.Second) * channels
	if size <= 0 || size >= len(pcm) {
		return [][]int16{pcm}
	}
	chunks := make([][]int16, 0, (len(pcm)+size-1)/size)
	for start := 0; start < len(pcm); start += size {
		end := min(start+size, len(pcm))
		chunks = append(chunks, pcm[start:end])
	}
	return chunks
}
