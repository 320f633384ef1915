package media

import (
	"bytes"
	"testing"
)

func TestWrapUnwrapWAVRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pt   int
	}{
		{"ulaw", PayloadPCMU},
		{"alaw", PayloadPCMA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, 8000)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			wav, err := WrapWAV(payload, tt.pt)
			if err != nil {
				t.Fatalf("WrapWAV: %v", err)
			}
			if len(wav) != wavHeaderSize+len(payload) {
				t.Errorf("wav size = %d, want %d", len(wav), wavHeaderSize+len(payload))
			}

			got, pt, err := UnwrapWAV(wav)
			if err != nil {
				t.Fatalf("UnwrapWAV: %v", err)
			}
			if pt != tt.pt {
				t.Errorf("payload type = %d, want %d", pt, tt.pt)
			}
			if !bytes.Equal(got, payload) {
				t.Error("payload does not round-trip")
			}
		})
	}
}

func TestWrapWAVRejectsUnsupportedPayloadType(t *testing.T) {
	if _, err := WrapWAV([]byte{1, 2, 3}, PayloadG729); err == nil {
		t.Error("expected error for G.729 payload (pass-through only, never wrapped)")
	}
}

func TestUnwrapWAVTruncatedData(t *testing.T) {
	wav, err := WrapWAV(make([]byte, 1000), PayloadPCMU)
	if err != nil {
		t.Fatal(err)
	}

	// Chop off half the data chunk while keeping the declared size.
	if _, _, err := UnwrapWAV(wav[:len(wav)-500]); err == nil {
		t.Error("expected error for truncated data chunk")
	}
}

func TestUnwrapWAVGarbage(t *testing.T) {
	if _, _, err := UnwrapWAV([]byte("definitely not a wav file")); err == nil {
		t.Error("expected error for non-WAV input")
	}
}

func TestG711DurationSeconds(t *testing.T) {
	tests := []struct {
		bytes int
		want  int
	}{
		{0, 0},
		{7999, 0},
		{8000, 1},
		{40000, 5},
	}
	for _, tt := range tests {
		if got := G711DurationSeconds(tt.bytes); got != tt.want {
			t.Errorf("G711DurationSeconds(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}

func TestGenerateToneUlawLength(t *testing.T) {
	tone := GenerateToneUlaw(440, 100)
	if len(tone) != 800 {
		t.Errorf("100ms tone = %d bytes, want 800", len(tone))
	}
}

func TestGeneratedDTMFToneIsDetectable(t *testing.T) {
	// The synthetic DTMF generator and the Goertzel detector must agree:
	// a generated tone decodes back to the digit that produced it.
	det := NewGoertzelDetector(0.01, 1.5)

	for _, digit := range []byte("0123456789*#") {
		pcm, err := GenerateDTMFPCM(digit, 100)
		if err != nil {
			t.Fatalf("GenerateDTMFPCM(%q): %v", digit, err)
		}
		got, ok := det.DetectTone(pcm[:det.FrameSize()])
		if !ok {
			t.Errorf("digit %q: generated tone not detected", digit)
			continue
		}
		if got != digit {
			t.Errorf("digit %q: detected %q", digit, got)
		}
	}
}

func TestGeneratedUlawDTMFSurvivesCodec(t *testing.T) {
	// Encode to u-law and decode again — the detector still hears it.
	det := NewGoertzelDetector(0.01, 1.5)

	ulaw, err := GenerateDTMFUlaw('4', 100)
	if err != nil {
		t.Fatal(err)
	}

	pcm := make([]int16, len(ulaw))
	for i, b := range ulaw {
		pcm[i] = DecodeG711(PayloadPCMU, b)
	}

	got, ok := det.DetectTone(pcm[:det.FrameSize()])
	if !ok || got != '4' {
		t.Errorf("detected (%q, %v), want ('4', true)", got, ok)
	}
}

func TestSilenceUlaw(t *testing.T) {
	s := SilenceUlaw(20)
	if len(s) != 160 {
		t.Fatalf("20ms silence = %d bytes, want 160", len(s))
	}
	for _, b := range s {
		if b != 0xFF {
			t.Fatalf("silence byte = %#x, want 0xFF", b)
		}
	}
}

func TestBeepWAVIsValid(t *testing.T) {
	payload, pt, err := UnwrapWAV(BeepWAV())
	if err != nil {
		t.Fatalf("BeepWAV does not parse: %v", err)
	}
	if pt != PayloadPCMU {
		t.Errorf("payload type = %d, want PCMU", pt)
	}
	if len(payload) != 2400 { // 300ms at 8kHz
		t.Errorf("beep payload = %d bytes, want 2400", len(payload))
	}
}
