package media

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxSeqJump is the reorder tolerance window: a packet whose sequence
// number is behind the highest seen by more than this is treated as
// hopelessly late (or a wrap ambiguity, ~60 s at 20 ms cadence) and
// dropped rather than forwarded.
const maxSeqJump = 3000

// Packet is a parsed RTP packet: the 12-byte fixed header, optional
// CSRC list, and payload. The header extension, when present, is
// skipped on unmarshal (its contents are not needed for G.711 relay).
type Packet struct {
	Marker      bool
	PayloadType int
	Seq         uint16
	Timestamp   uint32
	SSRC        uint32
	CSRC        []uint32
	Payload     []byte
}

var errShortRTPPacket = errors.New("rtp packet too short")

// Unmarshal parses a wire-format RTP packet. The payload slice aliases
// data; callers that retain it past the read buffer's reuse must copy.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < minRTPHeader {
		return errShortRTPPacket
	}

	version := data[0] >> 6
	if version != rtpVersion {
		return fmt.Errorf("unsupported rtp version %d", version)
	}

	cc := int(data[0] & 0x0F)
	hasExt := data[0]&0x10 != 0

	p.Marker = data[1]&0x80 != 0
	p.PayloadType = int(data[1] & 0x7F)
	p.Seq = binary.BigEndian.Uint16(data[2:4])
	p.Timestamp = binary.BigEndian.Uint32(data[4:8])
	p.SSRC = binary.BigEndian.Uint32(data[8:12])

	offset := minRTPHeader + cc*4
	if offset > len(data) {
		return errShortRTPPacket
	}
	p.CSRC = p.CSRC[:0]
	for i := 0; i < cc; i++ {
		p.CSRC = append(p.CSRC, binary.BigEndian.Uint32(data[minRTPHeader+i*4:]))
	}

	if hasExt {
		if offset+4 > len(data) {
			return errShortRTPPacket
		}
		extWords := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4 + extWords*4
		if offset > len(data) {
			return errShortRTPPacket
		}
	}

	p.Payload = data[offset:]
	return nil
}

// Marshal serializes the packet to wire format.
func (p *Packet) Marshal() []byte {
	out := make([]byte, minRTPHeader+len(p.CSRC)*4+len(p.Payload))

	out[0] = rtpVersion<<6 | byte(len(p.CSRC))&0x0F
	out[1] = byte(p.PayloadType) & 0x7F
	if p.Marker {
		out[1] |= 0x80
	}
	binary.BigEndian.PutUint16(out[2:4], p.Seq)
	binary.BigEndian.PutUint32(out[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(out[8:12], p.SSRC)

	for i, csrc := range p.CSRC {
		binary.BigEndian.PutUint32(out[minRTPHeader+i*4:], csrc)
	}
	copy(out[minRTPHeader+len(p.CSRC)*4:], p.Payload)
	return out
}

// ReorderGate enforces the relay's late-packet policy per forwarding
// direction: packets at or ahead of the highest sequence number seen
// pass, modestly late packets (within maxSeqJump) pass, and anything
// further behind is dropped. A stream restart (new SSRC) resets the
// gate. Not safe for concurrent use; each relay direction owns one.
type ReorderGate struct {
	ssrc    uint32
	highest uint16
	started bool
}

// Accept reports whether a packet with the given SSRC and sequence
// number should be forwarded, updating the gate's high-water mark.
func (g *ReorderGate) Accept(ssrc uint32, seq uint16) bool {
	if !g.started || ssrc != g.ssrc {
		g.ssrc = ssrc
		g.highest = seq
		g.started = true
		return true
	}

	// Signed 16-bit difference handles wraparound: delta > 0 means seq
	// is ahead of the high-water mark.
	delta := int16(seq - g.highest)
	if delta >= 0 {
		g.highest = seq
		return true
	}
	return -delta <= maxSeqJump
}

// rtpSeqAndSSRC extracts the sequence number and SSRC from a raw RTP
// packet without a full unmarshal. The caller must have verified the
// minimum header length.
func rtpSeqAndSSRC(pkt []byte) (seq uint16, ssrc uint32) {
	return binary.BigEndian.Uint16(pkt[2:4]), binary.BigEndian.Uint32(pkt[8:12])
}
