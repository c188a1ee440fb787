package audio

import (
	"encoding/binary"
	"math"
)

// zeroCrossings controls the width of the windowed-sinc prototype filter:
// the kernel spans this many zero crossings on each side of the centre tap
// at the lower of the two rates. Wider means steeper anti-aliasing rolloff
// and more CPU per sample.
const zeroCrossings = 4

// Resampler converts PCM16 between two fixed sample rates using polyphase
// filtering with a windowed-sinc anti-aliasing kernel. Naive linear
// interpolation is audible at telephony ratios (8 kHz ↔ 24 kHz); the
// polyphase bank keeps imaging and aliasing products below the noise floor
// of a phone line.
//
// A Resampler carries no state between calls — continuity comes from the
// algorithm, not from sample history — so it is safe to feed it frames from
// any boundary, and safe for concurrent use.
type Resampler struct {
	fromRate int
	toRate   int
	up       int // interpolation factor: toRate / gcd
	down     int // decimation factor: fromRate / gcd
	taps     []float64
	tapsPer  int // taps per polyphase branch
}

// NewResampler builds a converter from fromRate to toRate. The up/down
// ratio and the filter bank are computed once; Resample then runs a pure
// table-driven convolution.
func NewResampler(fromRate, toRate int) *Resampler {
	r := &Resampler{fromRate: fromRate, toRate: toRate, up: 1, down: 1}
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return r
	}

	g := gcd(fromRate, toRate)
	r.up = toRate / g
	r.down = fromRate / g

	// Prototype lowpass designed at the interpolated rate fromRate*up.
	// Cutoff sits at the tighter Nyquist limit of the two rates; expressed
	// as a fraction of the interpolated rate that is 1/(2*max(up,down)).
	maxFactor := r.up
	if r.down > maxFactor {
		maxFactor = r.down
	}
	cutoff := 1.0 / (2.0 * float64(maxFactor))

	// Kernel length: zeroCrossings input-rate samples each side, rounded up
	// to a whole number of polyphase branches.
	half := zeroCrossings * maxFactor
	r.tapsPer = (2*half + r.up) / r.up
	n := r.tapsPer * r.up
	r.taps = make([]float64, n)

	centre := float64(n-1) / 2
	for i := 0; i < n; i++ {
		x := float64(i) - centre
		// sinc(2*cutoff*x), Hamming-windowed, scaled by up to restore
		// passband gain lost to zero-stuffing.
		s := 2 * cutoff
		var v float64
		if x == 0 {
			v = s
		} else {
			v = math.Sin(math.Pi*s*x) / (math.Pi * x)
		}
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		r.taps[i] = v * w * float64(r.up)
	}

	// Normalise so a DC input keeps its level: every polyphase branch must
	// sum to 1.
	for phase := 0; phase < r.up; phase++ {
		var sum float64
		for k := 0; k < r.tapsPer; k++ {
			sum += r.taps[phase+k*r.up]
		}
		if sum != 0 {
			for k := 0; k < r.tapsPer; k++ {
				r.taps[phase+k*r.up] /= sum
			}
		}
	}
	return r
}

// Ratio returns the reduced up/down conversion factors.
func (r *Resampler) Ratio() (up, down int) { return r.up, r.down }

// Resample converts a PCM16 chunk from the source to the target rate.
// Degenerate inputs — empty, odd byte length, or identical rates — pass
// through unchanged rather than erroring: upstream framing guarantees
// even-length PCM in the common case, and failing hard on a stray fragment
// would tear down an otherwise-healthy call.
func (r *Resampler) Resample(pcm []byte) []byte {
	if r.up == r.down || len(pcm) == 0 || len(pcm)%2 != 0 {
		return pcm
	}

	in := make([]float64, len(pcm)/2)
	for i := range in {
		in[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	outSamples := (len(in)*r.up + r.down - 1) / r.down
	out := make([]byte, outSamples*2)

	centreOffset := (r.tapsPer - 1) / 2
	for n := 0; n < outSamples; n++ {
		t := n * r.down
		idx := t / r.up
		phase := t % r.up

		var acc float64
		for k := 0; k < r.tapsPer; k++ {
			j := idx + centreOffset - k
			if j < 0 || j >= len(in) {
				continue
			}
			acc += r.taps[phase+k*r.up] * in[j]
		}

		v := int32(math.Round(acc))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[n*2:], uint16(int16(v)))
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
