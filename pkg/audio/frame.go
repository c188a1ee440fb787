// Package audio provides the PCM primitives for the telephony bridge:
// frame sizing, RMS measurement, polyphase sample-rate conversion, and an
// energy-gated silence filter.
//
// All functions operate on signed 16-bit little-endian mono PCM, the only
// format flowing through the bridge. Frames are treated as immutable: every
// transform returns a fresh slice and never writes into its input.
package audio

import (
	"math"
	"time"
)

// FrameBytes returns the byte size of one mono PCM16 frame of the given
// duration at rate Hz.
func FrameBytes(rate int, d time.Duration) int {
	samples := int(int64(rate) * int64(d) / int64(time.Second))
	return samples * 2
}

// SilenceFrame returns an all-zero frame of n bytes.
func SilenceFrame(n int) []byte {
	return make([]byte, n)
}

// RMS computes the root-mean-square amplitude of a PCM16 frame. An empty or
// odd-length frame yields 0.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
