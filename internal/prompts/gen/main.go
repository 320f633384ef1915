// Command gen creates the default system audio prompts as G.711 u-law
// WAV files. Menu prompts are tone-coded placeholders in the correct
// format for RTP playback; replace with real voice recordings for
// production use. The beep is a real 1 kHz beep.
//
// Usage: go run ./internal/prompts/gen
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// prompt defines a system prompt to generate: a sequence of (freqHz,
// durationMs) segments. Frequency 0 is silence.
type prompt struct {
	filename string
	segments []segment
}

type segment struct {
	freqHz     float64
	durationMs int
}

// defaultPrompts are the system prompts embedded in the binary. Each
// menu prompt gets a distinct tone signature so a test call can tell
// which state the IVR is in even with placeholder audio.
var defaultPrompts = []prompt{
	{"enter_pin.wav", []segment{{440, 250}, {0, 100}, {440, 250}}},
	{"invalid_pin.wav", []segment{{300, 400}, {0, 80}, {250, 400}}},
	{"main_menu.wav", []segment{{520, 250}, {0, 100}, {660, 250}}},
	{"options.wav", []segment{{660, 250}, {0, 100}, {520, 250}}},
	{"beep.wav", []segment{{1000, 300}}},
	{"greeting_review_menu.wav", []segment{{520, 200}, {0, 80}, {520, 200}, {0, 80}, {520, 200}}},
	{"goodbye.wav", []segment{{660, 200}, {0, 80}, {440, 300}}},
	{"error.wav", []segment{{250, 300}, {0, 80}, {250, 300}}},
	{"default_voicemail_greeting.wav", []segment{{440, 300}, {0, 200}, {440, 300}, {0, 2000}}},
}

func main() {
	dir := filepath.Join("internal", "prompts", "system")
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, p := range defaultPrompts {
		path := filepath.Join(dir, p.filename)
		if err := writeUlawWAV(path, p.segments); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", p.filename, err)
			os.Exit(1)
		}
		fi, _ := os.Stat(path)
		fmt.Printf("created %s (%d bytes)\n", path, fi.Size())
	}
}

// writeUlawWAV creates a WAV file of the given tone segments as G.711
// u-law. Format: 8kHz, mono, 8-bit.
func writeUlawWAV(path string, segments []segment) error {
	var data []byte
	for _, seg := range segments {
		data = append(data, toneUlaw(seg.freqHz, seg.durationMs)...)
	}
	dataSize := uint32(len(data))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// RIFF header
	f.Write([]byte("RIFF"))
	binary.Write(f, binary.LittleEndian, uint32(36+dataSize)) // file size - 8
	f.Write([]byte("WAVE"))

	// fmt chunk
	f.Write([]byte("fmt "))
	binary.Write(f, binary.LittleEndian, uint32(16))   // chunk size
	binary.Write(f, binary.LittleEndian, uint16(7))    // audio format: 7 = u-law
	binary.Write(f, binary.LittleEndian, uint16(1))    // channels: mono
	binary.Write(f, binary.LittleEndian, uint32(8000)) // sample rate
	binary.Write(f, binary.LittleEndian, uint32(8000)) // byte rate (8000 * 1 * 1)
	binary.Write(f, binary.LittleEndian, uint16(1))    // block align
	binary.Write(f, binary.LittleEndian, uint16(8))    // bits per sample

	// data chunk
	f.Write([]byte("data"))
	binary.Write(f, binary.LittleEndian, dataSize)

	_, err = f.Write(data)
	return err
}

// toneUlaw renders a sine tone (or silence for freq 0) as u-law bytes.
func toneUlaw(freqHz float64, durationMs int) []byte {
	n := 8000 * durationMs / 1000
	out := make([]byte, n)
	for i := range out {
		if freqHz == 0 {
			out[i] = 0xFF // u-law silence
			continue
		}
		sample := int16(12000 * math.Sin(2*math.Pi*freqHz*float64(i)/8000))
		out[i] = linearToUlaw(sample)
	}
	return out
}

// linearToUlaw converts a 16-bit PCM sample to a u-law byte (G.711).
func linearToUlaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := 0x4000; mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (int(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
