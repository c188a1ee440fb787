package audio

// NoiseGate replaces low-energy frames with silence. Background room noise
// on the telephony leg otherwise holds the far-end voice-activity detector
// open indefinitely, so the assistant never decides the caller has finished
// speaking.
type NoiseGate struct {
	threshold float64
	zeros     []byte
	gated     uint64
}

// NewNoiseGate creates a gate with the given RMS amplitude threshold.
// A threshold of 0 disables the gate entirely (Apply becomes the identity).
func NewNoiseGate(threshold float64) *NoiseGate {
	return &NoiseGate{threshold: threshold}
}

// Apply returns an all-zero frame of the same length when the frame's RMS
// falls below the threshold, and the original frame unchanged otherwise.
func (g *NoiseGate) Apply(frame []byte) []byte {
	if g.threshold <= 0 {
		return frame
	}
	if RMS(frame) >= g.threshold {
		return frame
	}
	if len(g.zeros) != len(frame) {
		g.zeros = make([]byte, len(frame))
	}
	g.gated++
	return g.zeros
}

// Gated returns how many frames Apply has replaced with silence. Like Apply
// it is not safe for concurrent use.
func (g *NoiseGate) Gated() uint64 { return g.gated }

// Enabled reports whether the gate has a positive threshold.
func (g *NoiseGate) Enabled() bool { return g.threshold > 0 }
