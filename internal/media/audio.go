package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WAV audio format codes used by this module (RIFF/WAVE fmt chunk).
const (
	WAVFormatPCM   = 1 // 16-bit linear PCM
	WAVFormatALaw  = 6 // G.711 a-law
	WAVFormatMuLaw = 7 // G.711 u-law
)

// wavHeaderSize is the size of the canonical 44-byte WAV header this
// module reads and writes (RIFF + fmt + data chunk headers, no extra
// chunks).
const wavHeaderSize = 44

// WrapWAV prepends a correctly sized RIFF/WAVE/fmt/data header to a raw
// G.711 payload, producing a complete WAV file image: 8 kHz, mono,
// 8-bit, u-law or a-law depending on payloadType (PCMU or PCMA). This
// is how recorded voicemail audio — accumulated as bare RTP payloads —
// becomes a playable file.
func WrapWAV(payload []byte, payloadType int) ([]byte, error) {
	format, err := WAVFormatForPayloadType(payloadType)
	if err != nil {
		return nil, err
	}

	out := make([]byte, wavHeaderSize+len(payload))
	writeWAVHeaderBytes(out[:wavHeaderSize], format, uint32(len(payload)))
	copy(out[wavHeaderSize:], payload)
	return out, nil
}

// UnwrapWAV parses a WAV file image produced by WrapWAV (or any
// 8 kHz/mono/8-bit G.711 WAV) and returns the raw audio payload and the
// RTP payload type it maps to. It is the inverse of WrapWAV:
// UnwrapWAV(WrapWAV(p, pt)) returns p and pt unchanged.
func UnwrapWAV(data []byte) (payload []byte, payloadType int, err error) {
	r := bytes.NewReader(data)
	hdr, err := parseWAVHeader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing wav header: %w", err)
	}

	pt, err := payloadTypeForWAV(hdr.AudioFormat)
	if err != nil {
		return nil, 0, err
	}
	if hdr.NumChannels != 1 || hdr.SampleRate != 8000 || hdr.BitsPerSample != 8 {
		return nil, 0, fmt.Errorf("wav is not 8kHz mono g.711: %d ch, %d hz, %d bit",
			hdr.NumChannels, hdr.SampleRate, hdr.BitsPerSample)
	}

	// parseWAVHeader leaves the reader positioned at the start of the
	// data chunk.
	offset, _ := r.Seek(0, io.SeekCurrent)
	if int(offset)+int(hdr.DataSize) > len(data) {
		return nil, 0, fmt.Errorf("wav data chunk truncated: declared %d bytes, have %d",
			hdr.DataSize, len(data)-int(offset))
	}

	return data[offset : offset+int64(hdr.DataSize)], pt, nil
}

// WAVFormatForPayloadType maps an RTP payload type to the WAV fmt code
// for that encoding.
func WAVFormatForPayloadType(pt int) (uint16, error) {
	switch pt {
	case PayloadPCMU:
		return WAVFormatMuLaw, nil
	case PayloadPCMA:
		return WAVFormatALaw, nil
	default:
		return 0, fmt.Errorf("unsupported payload type %d for wav", pt)
	}
}

// writeWAVHeaderBytes fills buf (len >= 44) with a RIFF/WAVE header for
// 8 kHz mono 8-bit G.711 audio of the given data size.
func writeWAVHeaderBytes(buf []byte, format uint16, dataSize uint32) {
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], wavHeaderSize-8+dataSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], format)
	binary.LittleEndian.PutUint16(buf[22:24], 1)    // mono
	binary.LittleEndian.PutUint32(buf[24:28], 8000) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], 8000) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 1)    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 8)    // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
}

// G711DurationSeconds returns the play time of a raw G.711 payload:
// one byte per sample at 8 kHz.
func G711DurationSeconds(payloadBytes int) int {
	return payloadBytes / 8000
}
