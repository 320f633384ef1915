package media

import (
	"fmt"
	"math"
)

// toneAmplitude is the peak amplitude for generated tones, kept well
// below int16 max so dual-tone sums do not clip.
const toneAmplitude = 12000

// dtmfToneFreqs maps a keypad digit to its low/high frequency pair.
var dtmfToneFreqs = map[byte][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// GenerateTonePCM synthesizes a pure sine tone as 16-bit PCM samples at
// 8 kHz.
func GenerateTonePCM(freqHz float64, durationMs int) []int16 {
	n := 8000 * durationMs / 1000
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(toneAmplitude * math.Sin(2*math.Pi*freqHz*float64(i)/8000))
	}
	return out
}

// GenerateDTMFPCM synthesizes the dual-tone signal for a keypad digit
// as 16-bit PCM samples at 8 kHz. Returns an error for non-keypad bytes.
func GenerateDTMFPCM(digit byte, durationMs int) ([]int16, error) {
	freqs, ok := dtmfToneFreqs[digit]
	if !ok {
		return nil, fmt.Errorf("not a dtmf digit: %q", digit)
	}

	n := 8000 * durationMs / 1000
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / 8000
		s := math.Sin(2*math.Pi*freqs[0]*t) + math.Sin(2*math.Pi*freqs[1]*t)
		out[i] = int16(toneAmplitude / 2 * s)
	}
	return out, nil
}

// EncodePCMToG711 converts 16-bit PCM samples to a G.711 payload of the
// given payload type (PCMU or PCMA).
func EncodePCMToG711(samples []int16, payloadType int) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeG711(payloadType, s)
	}
	return out
}

// GenerateToneUlaw synthesizes a pure sine tone as u-law bytes at 8 kHz,
// ready for direct RTP playback or WAV wrapping.
func GenerateToneUlaw(freqHz float64, durationMs int) []byte {
	return EncodePCMToG711(GenerateTonePCM(freqHz, durationMs), PayloadPCMU)
}

// GenerateDTMFUlaw synthesizes a keypad digit's dual tone as u-law
// bytes at 8 kHz.
func GenerateDTMFUlaw(digit byte, durationMs int) ([]byte, error) {
	pcm, err := GenerateDTMFPCM(digit, durationMs)
	if err != nil {
		return nil, err
	}
	return EncodePCMToG711(pcm, PayloadPCMU), nil
}

// SilenceUlaw returns durationMs of u-law silence (0xFF bytes).
func SilenceUlaw(durationMs int) []byte {
	n := 8000 * durationMs / 1000
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xFF
	}
	return out
}

// BeepWAV returns a complete u-law WAV image of a single confirmation
// beep (1 kHz, 300 ms). Used as the synthetic fallback when no beep
// prompt file is provisioned.
func BeepWAV() []byte {
	payload := GenerateToneUlaw(1000, 300)
	wav, _ := WrapWAV(payload, PayloadPCMU)
	return wav
}
