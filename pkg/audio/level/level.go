// Package level turns microphone audio into a perceived loudness value in
// [0,1] for voice-activity triggering and volume meters.
//
// Loudness works on a byte frequency buffer, the same shape a browser
// AnalyserNode produces, so a client-side meter and the server agree on the
// scale. Analyser produces that buffer from raw PCM.
package level

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Speech band limits in Hz. Bins inside the band carry full weight.
const (
	SpeechLowHz  = 200
	SpeechHighHz = 4000
)

const (
	outOfBandWeight = 0.25
	gain            = 1.5
)

// NoiseFloor is the byte value at or below which a bin counts as silent.
// On the default decibel range it sits near -78 dB, just above the bins of
// room hiss at about -50 dBFS, so hiss alone reads close to 0 while a
// voiced frame at ordinary speaking level reads above 0.3.
const NoiseFloor = 80

// Loudness maps a frequency magnitude buffer to [0,1].
//
// freq holds one byte per bin, spanning 0 Hz to sampleRate/2. Each bin is
// measured above [NoiseFloor]. The weighted mean (speech band 1.0, other bins
// 0.25) is compressed with a square root so quiet speech still registers,
// amplified and clamped. The result never decreases when any bin increases.
// An empty buffer or a non-positive sample rate yields 0.
func Loudness(freq []uint8, sampleRate int) float64 {
	if len(freq) == 0 || sampleRate <= 0 {
		return 0
	}
	binHz := float64(sampleRate) / 2 / float64(len(freq))

	var sum, weights float64
	for i, v := range freq {
		w := outOfBandWeight
		if f := (float64(i) + 0.5) * binHz; f >= SpeechLowHz && f <= SpeechHighHz {
			w = 1
		}
		if v > NoiseFloor {
			sum += w * float64(v-NoiseFloor) / (255 - NoiseFloor)
		}
		weights += w
	}
	mean := sum / weights
	return math.Min(1, math.Sqrt(mean)*gain)
}

// Decibel range mapped onto 0..255, matching AnalyserNode defaults.
const (
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// Analyser computes byte frequency data from PCM. It is not safe for
// concurrent use; give each stream its own.
type Analyser struct {
	sampleRate int
	size       int
	fft        *fourier.FFT
	window     []float64
	buf        []float64
	coeff      []complex128
	minDB      float64
	maxDB      float64
}

// NewAnalyser returns an Analyser for fftSize-point transforms. fftSize is
// rounded up to an even number of at least 32.
func NewAnalyser(sampleRate, fftSize int) *Analyser {
	if fftSize < 32 {
		fftSize = 32
	}
	if fftSize%2 != 0 {
		fftSize++
	}
	w := make([]float64, fftSize)
	for i := range w {
		// Blackman window
		x := 2 * math.Pi * float64(i) / float64(fftSize-1)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyser{
		sampleRate: sampleRate,
		size:       fftSize,
		fft:        fourier.NewFFT(fftSize),
		window:     w,
		buf:        make([]float64, fftSize),
		minDB:      DefaultMinDecibels,
		maxDB:      DefaultMaxDecibels,
	}
}

// BinCount returns the number of frequency bins, fftSize/2.
func (a *Analyser) BinCount() int { return a.size / 2 }

// SampleRate returns the rate the analyser was built for.
func (a *Analyser) SampleRate() int { return a.sampleRate }

// FrequencyData returns fftSize/2 magnitudes scaled to 0..255 for the most
// recent fftSize samples of pcm. Shorter input is zero-padded at the front.
func (a *Analyser) FrequencyData(pcm []int16) []uint8 {
	if len(pcm) > a.size {
		pcm = pcm[len(pcm)-a.size:]
	}
	pad := a.size - len(pcm)
	for i := 0; i < pad; i++ {
		a.buf[i] = 0
	}
	for i, s := range pcm {
		a.buf[pad+i] = float64(s) / 32768 * a.window[pad+i]
	}

	a.coeff = a.fft.Coefficients(a.coeff, a.buf)
	out := make([]uint8, a.BinCount())
	span := a.maxDB - a.minDB
	for i := range out {
		mag := cmplx.Abs(a.coeff[i]) / float64(a.size)
		if mag <= 0 {
			continue
		}
		db := 20 * math.Log10(mag)
		v := 255 * (db - a.minDB) / span
		out[i] = uint8(math.Max(0, math.Min(255, v)))
	}
	return out
}

// Level returns Loudness of the most recent fftSize samples of pcm.
func (a *Analyser) Level(pcm []int16) float64 {
	return Loudness(a.FrequencyData(pcm), a.sampleRate)
}
