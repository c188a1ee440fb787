package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/javierd009/agente-portero-sub000/pkg/audio"
)

// sinePCM generates n samples of a sine wave at freq Hz sampled at rate Hz,
// with the given peak amplitude, as little-endian PCM16.
func sinePCM(freq float64, rate, n int, amp float64) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func TestResampler_Ratio(t *testing.T) {
	t.Parallel()

	up, down := audio.NewResampler(8000, 24000).Ratio()
	if up != 3 || down != 1 {
		t.Errorf("8k→24k ratio = %d/%d, want 3/1", up, down)
	}
	up, down = audio.NewResampler(24000, 8000).Ratio()
	if up != 1 || down != 3 {
		t.Errorf("24k→8k ratio = %d/%d, want 1/3", up, down)
	}
	up, down = audio.NewResampler(8000, 8000).Ratio()
	if up != down {
		t.Errorf("identity ratio = %d/%d, want equal", up, down)
	}
}

func TestResample_RoundTripLengthAndEnergy(t *testing.T) {
	t.Parallel()

	const (
		lowRate  = 8000
		highRate = 24000
	)
	up := audio.NewResampler(lowRate, highRate)
	down := audio.NewResampler(highRate, lowRate)

	// 1 second of 440 Hz at the telephony rate.
	in := sinePCM(440, lowRate, lowRate, 12000)

	mid := up.Resample(in)
	out := down.Resample(mid)

	if d := len(out) - len(in); d < -2 || d > 2 {
		t.Fatalf("round-trip length = %d bytes, want %d ± one sample", len(out), len(in))
	}

	inRMS := audio.RMS(in)
	outRMS := audio.RMS(out)
	if ratio := outRMS / inRMS; ratio < 0.85 || ratio > 1.15 {
		t.Errorf("round-trip RMS ratio = %.3f (in %.1f, out %.1f), want within ±15%%", ratio, inRMS, outRMS)
	}
}

func TestResample_FiftyFrameScenario(t *testing.T) {
	t.Parallel()

	// 50 × 20 ms frames = 1 second of synthetic 8 kHz PCM through the
	// up-resampler and immediately back down.
	const rate = 8000
	frameBytes := audio.FrameBytes(rate, 20*time.Millisecond)
	if frameBytes != 320 {
		t.Fatalf("FrameBytes(8000, 20ms) = %d, want 320", frameBytes)
	}

	up := audio.NewResampler(rate, 24000)
	down := audio.NewResampler(24000, rate)

	var totalOut int
	for i := 0; i < 50; i++ {
		frame := sinePCM(300, rate, frameBytes/2, 8000)
		totalOut += len(down.Resample(up.Resample(frame)))
	}

	wantBytes := 50 * frameBytes
	if d := totalOut - wantBytes; d < -2*50 || d > 2*50 {
		t.Errorf("total output = %d bytes, want %d ± one sample per frame", totalOut, wantBytes)
	}
}

func TestResample_UpsampleLength(t *testing.T) {
	t.Parallel()

	r := audio.NewResampler(8000, 24000)
	in := sinePCM(440, 8000, 160, 10000)
	out := r.Resample(in)
	if len(out) != 160*3*2 {
		t.Errorf("upsampled length = %d bytes, want %d", len(out), 160*3*2)
	}
}

func TestResample_DegeneratePassthrough(t *testing.T) {
	t.Parallel()

	r := audio.NewResampler(8000, 24000)

	if got := r.Resample(nil); len(got) != 0 {
		t.Errorf("nil input: got %d bytes, want 0", len(got))
	}

	odd := []byte{1, 2, 3}
	if got := r.Resample(odd); !bytes.Equal(got, odd) {
		t.Errorf("odd-length input not passed through")
	}

	same := audio.NewResampler(16000, 16000)
	in := sinePCM(440, 16000, 160, 10000)
	if got := same.Resample(in); !bytes.Equal(got, in) {
		t.Errorf("equal-rate input not passed through")
	}
}

func TestResample_ClipsToInt16(t *testing.T) {
	t.Parallel()

	r := audio.NewResampler(8000, 24000)
	// Full-scale square-ish input: filter overshoot must clip, not wrap.
	in := make([]byte, 320)
	for i := 0; i < len(in)/2; i++ {
		v := int16(math.MaxInt16)
		if i%8 >= 4 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(in[i*2:], uint16(v))
	}
	out := r.Resample(in)
	if len(out) == 0 {
		t.Fatal("no output")
	}
	// Wrap-around on overshoot would flip full-scale samples to the opposite
	// extreme and roughly preserve RMS while destroying the waveform; clipped
	// output keeps RMS in the same ballpark as the input. Check the energy
	// did not collapse or explode.
	inRMS, outRMS := audio.RMS(in), audio.RMS(out)
	if outRMS < inRMS*0.5 || outRMS > inRMS*1.5 {
		t.Errorf("full-scale RMS out = %.0f vs in %.0f, outside clipping bounds", outRMS, inRMS)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS(audio.SilenceFrame(320)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}

	// A full-scale sine has RMS ≈ amp/√2.
	in := sinePCM(440, 8000, 8000, 20000)
	want := 20000 / math.Sqrt2
	if got := audio.RMS(in); math.Abs(got-want) > want*0.02 {
		t.Errorf("RMS(sine) = %.1f, want ≈ %.1f", got, want)
	}
}
