package media

import (
	"log/slog"
	"math"
)

// goertzelFrameSize is the number of samples analyzed per Goertzel frame.
// 205 samples at 8 kHz puts every DTMF frequency within half a bin of an
// integer k, which keeps detection error low without a DFT.
const goertzelFrameSize = 205

// goertzelSampleRate is the PCM sample rate DTMF detection operates at;
// both G.711 codecs decode to 8 kHz linear PCM.
const goertzelSampleRate = 8000

// minDTMFBytes is the minimum amount of accumulated audio, in encoded
// G.711 bytes, before tone detection is attempted on a frame.
const minDTMFBytes = 1600

// dtmfLowFreqs and dtmfHighFreqs are the eight standard DTMF tone
// frequencies (Hz). A valid digit requires exactly one strong frequency
// from each group.
var dtmfLowFreqs = [4]int{697, 770, 852, 941}
var dtmfHighFreqs = [4]int{1209, 1336, 1477, 1633}

// dtmfDigits maps a (low, high) frequency pair to its keypad digit.
var dtmfDigits = map[[2]int]byte{
	{697, 1209}: '1', {697, 1336}: '2', {697, 1477}: '3', {697, 1633}: 'A',
	{770, 1209}: '4', {770, 1336}: '5', {770, 1477}: '6', {770, 1633}: 'B',
	{852, 1209}: '7', {852, 1336}: '8', {852, 1477}: '9', {852, 1633}: 'C',
	{941, 1209}: '*', {941, 1336}: '0', {941, 1477}: '#', {941, 1633}: 'D',
}

// GoertzelDetector detects DTMF tones in a stream of linear PCM samples
// using the Goertzel algorithm: for each candidate frequency it evaluates
// a simple IIR recurrence over one frame instead of a full DFT, which is
// the standard way to test for a small, known set of frequencies cheaply.
type GoertzelDetector struct {
	frameSize  int
	sampleRate int
	threshold  float64
	ratio      float64
	coeffs     map[int]float64
}

// NewGoertzelDetector builds a detector for the eight standard DTMF
// frequencies. threshold is the minimum absolute magnitude (after
// peak-normalizing the frame to [-1, 1]) a frequency must reach to be
// considered present. ratio is how much the strongest candidate in each
// group must exceed the second-strongest to be considered unambiguous.
func NewGoertzelDetector(threshold, ratio float64) *GoertzelDetector {
	d := &GoertzelDetector{
		frameSize:  goertzelFrameSize,
		sampleRate: goertzelSampleRate,
		threshold:  threshold,
		ratio:      ratio,
		coeffs:     make(map[int]float64, 8),
	}
	for _, freq := range dtmfLowFreqs {
		d.coeffs[freq] = d.coefficient(freq)
	}
	for _, freq := range dtmfHighFreqs {
		d.coeffs[freq] = d.coefficient(freq)
	}
	return d
}

// coefficient computes 2*cos(omega) for the given frequency, where
// omega = 2*pi*k/N and k is the nearest integer bin for freq at the
// detector's sample rate and frame size.
func (d *GoertzelDetector) coefficient(freq int) float64 {
	k := math.Floor(0.5 + float64(d.frameSize)*float64(freq)/float64(d.sampleRate))
	omega := (2.0 * math.Pi * k) / float64(d.frameSize)
	return 2.0 * math.Cos(omega)
}

// goertzelMagnitude runs the Goertzel recurrence over one frame of normalized
// samples for a single precomputed coefficient, returning the magnitude
// of that frequency's component.
func goertzelMagnitude(samples []float64, coeff float64) float64 {
	var q1, q2 float64
	for _, s := range samples {
		q0 := coeff*q1 - q2 + s
		q2 = q1
		q1 = q0
	}
	return math.Sqrt(q1*q1 + q2*q2 - q1*q2*coeff)
}

// FrameSize returns the number of samples this detector analyzes per call
// to DetectTone.
func (d *GoertzelDetector) FrameSize() int {
	return d.frameSize
}

// DetectTone analyzes one frame of linear PCM samples and returns the
// detected DTMF digit, or (0, false) if no digit is unambiguously
// present. samples shorter than FrameSize() always report no detection.
func (d *GoertzelDetector) DetectTone(samples []int16) (byte, bool) {
	if len(samples) < d.frameSize {
		return 0, false
	}
	samples = samples[:d.frameSize]

	peak := 0.0
	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
	}
	if peak == 0 {
		peak = 1.0
	}

	norm := make([]float64, d.frameSize)
	for i, s := range samples {
		norm[i] = float64(s) / peak
	}

	lowFreq, lowMag, lowRunnerUp := d.strongest(norm, dtmfLowFreqs[:])
	highFreq, highMag, highRunnerUp := d.strongest(norm, dtmfHighFreqs[:])

	if lowMag < d.threshold || highMag < d.threshold {
		return 0, false
	}
	if lowRunnerUp > 0 && lowMag < lowRunnerUp*d.ratio {
		return 0, false
	}
	if highRunnerUp > 0 && highMag < highRunnerUp*d.ratio {
		return 0, false
	}

	digit, ok := dtmfDigits[[2]int{lowFreq, highFreq}]
	if !ok {
		return 0, false
	}
	return digit, true
}

// strongest evaluates the Goertzel magnitude for every frequency in freqs
// against the normalized frame, returning the strongest frequency, its
// magnitude, and the second-strongest magnitude (0 if there's only one
// candidate).
func (d *GoertzelDetector) strongest(norm []float64, freqs []int) (freq int, mag, runnerUp float64) {
	for _, f := range freqs {
		m := goertzelMagnitude(norm, d.coeffs[f])
		if m > mag {
			runnerUp = mag
			mag = m
			freq = f
		} else if m > runnerUp {
			runnerUp = m
		}
	}
	return freq, mag, runnerUp
}

// DTMFStreamDetector wraps a GoertzelDetector with debounce logic for
// continuous audio: the same digit must be detected in consecutive frames
// before it is emitted, and a silence frame resets the run. This matches
// how a human keypress naturally spans several adjacent analysis frames.
type DTMFStreamDetector struct {
	detector       *GoertzelDetector
	minConsecutive int
	logger         *slog.Logger

	pending byte
	run     int
	emitted bool
}

// NewDTMFStreamDetector creates a stream-mode wrapper requiring
// minConsecutive consecutive frame detections of the same digit before it
// is reported, debouncing a single keypress into a single emitted digit.
func NewDTMFStreamDetector(detector *GoertzelDetector, minConsecutive int, logger *slog.Logger) *DTMFStreamDetector {
	if minConsecutive < 1 {
		minConsecutive = 1
	}
	return &DTMFStreamDetector{
		detector:       detector,
		minConsecutive: minConsecutive,
		logger:         logger.With("subsystem", "dtmf-stream-detector"),
	}
}

// Feed analyzes one frame of linear PCM samples and returns the newly
// detected digit, or (0, false) if no new digit should be emitted yet.
// A digit is emitted once per keypress: holding the same tone across
// further frames does not re-emit until a silence frame intervenes.
func (s *DTMFStreamDetector) Feed(samples []int16) (byte, bool) {
	digit, ok := s.detector.DetectTone(samples)
	if !ok {
		s.pending = 0
		s.run = 0
		s.emitted = false
		return 0, false
	}

	if digit == s.pending {
		s.run++
	} else {
		s.pending = digit
		s.run = 1
		s.emitted = false
	}

	if s.run >= s.minConsecutive && !s.emitted {
		s.emitted = true
		s.logger.Debug("dtmf digit detected", "digit", string(digit))
		return digit, true
	}

	return 0, false
}

// FrameSize returns the underlying detector's analysis frame length.
func (s *DTMFStreamDetector) FrameSize() int {
	return s.detector.FrameSize()
}

// Reset clears the debounce state, e.g. after a silence gap longer than
// the analysis frame itself.
func (s *DTMFStreamDetector) Reset() {
	s.pending = 0
	s.run = 0
	s.emitted = false
}
