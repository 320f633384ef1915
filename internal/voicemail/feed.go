package voicemail

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/flowpbx/flowpbx-core/internal/media"
)

const (
	// feedReadTimeout bounds each socket read so the feed goroutine can
	// observe cancellation promptly.
	feedReadTimeout = 100 * time.Millisecond

	// maxRTPPacket is the largest UDP datagram the feed reads.
	maxRTPPacket = 1500

	// minInbandBytes is how much audio must accumulate before in-band
	// tone analysis runs (~200 ms of G.711).
	minInbandBytes = 1600

	// minConsecutiveFrames is how many adjacent analysis frames must
	// agree before an in-band digit is reported.
	minConsecutiveFrames = 2

	// Goertzel tuning: minimum normalized magnitude and dominance ratio
	// over the runner-up frequency in each group.
	goertzelThreshold = 0.01
	goertzelRatio     = 1.5
)

// rtpFeed owns the IVR's read side of the caller-leg RTP socket: it
// captures G.711 payloads into a growable buffer while recording is
// active, detects RFC 2833 telephone-events on the negotiated dynamic
// payload type, and runs in-band Goertzel analysis on the audio tail.
// Detected digits from both paths are merged onto Digits, debounced so
// the same key reported through both paths (or echoed back by the far
// end) counts once.
type rtpFeed struct {
	conn     *net.UDPConn
	dtmfPT   int
	debounce time.Duration
	logger   *slog.Logger

	// Digits receives each detected digit ('0'-'9', '*', '#', 'A'-'D').
	Digits chan byte

	stream *media.DTMFStreamDetector

	mu        sync.Mutex
	capturing bool
	capture   []byte
	capturePT int
	tail      []int16 // decoded PCM awaiting Goertzel analysis

	lastDigit   byte
	lastDigitAt time.Time

	// RFC 2833 End-packet dedupe (retransmitted with the same timestamp).
	lastEventTS uint32
	lastEvent   uint8
	hadEvent    bool
}

func newRTPFeed(conn *net.UDPConn, dtmfPT int, debounce time.Duration, logger *slog.Logger) *rtpFeed {
	det := media.NewGoertzelDetector(goertzelThreshold, goertzelRatio)
	return &rtpFeed{
		conn:     conn,
		dtmfPT:   dtmfPT,
		debounce: debounce,
		logger:   logger.With("subsystem", "ivr-feed"),
		Digits:   make(chan byte, 32),
		stream:   media.NewDTMFStreamDetector(det, minConsecutiveFrames, logger),
	}
}

// run reads RTP from the caller leg until ctx is cancelled. It never
// closes Digits; the owning session outlives the feed.
func (f *rtpFeed) run(ctx context.Context) {
	buf := make([]byte, maxRTPPacket)
	var pkt media.Packet

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		n, _, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			f.logger.Debug("ivr rtp read error", "error", err)
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		switch pkt.PayloadType {
		case f.dtmfPT:
			f.handleTelephoneEvent(ctx, &pkt)
		case media.PayloadPCMU, media.PayloadPCMA:
			f.handleAudio(ctx, &pkt)
		}
	}
}

// handleTelephoneEvent decodes an RFC 2833 named event. Only the
// End-flagged packet of an event emits a digit, and retransmitted End
// packets (same event, same RTP timestamp) are suppressed.
func (f *rtpFeed) handleTelephoneEvent(ctx context.Context, pkt *media.Packet) {
	ev := media.ParseDTMFEvent(pkt.Payload)
	if ev == nil || !ev.End {
		return
	}

	f.mu.Lock()
	if f.hadEvent && ev.Event == f.lastEvent && pkt.Timestamp == f.lastEventTS {
		f.mu.Unlock()
		return
	}
	f.lastEvent = ev.Event
	f.lastEventTS = pkt.Timestamp
	f.hadEvent = true
	f.mu.Unlock()

	digit := media.DTMFEventName(ev.Event)
	if digit == "" {
		return
	}
	f.emit(ctx, digit[0])
}

// handleAudio appends the payload to the capture buffer when recording,
// and feeds the in-band tone detector.
func (f *rtpFeed) handleAudio(ctx context.Context, pkt *media.Packet) {
	f.mu.Lock()
	if f.capturing {
		f.capturePT = pkt.PayloadType
		f.capture = append(f.capture, pkt.Payload...)
	}

	for _, b := range pkt.Payload {
		f.tail = append(f.tail, media.DecodeG711(pkt.PayloadType, b))
	}

	if len(f.tail) < minInbandBytes {
		f.mu.Unlock()
		return
	}

	frame := f.stream.FrameSize()
	var detected []byte
	for len(f.tail) >= frame {
		if d, ok := f.stream.Feed(f.tail[:frame]); ok {
			detected = append(detected, d)
		}
		f.tail = f.tail[frame:]
	}
	f.mu.Unlock()

	for _, d := range detected {
		f.emit(ctx, d)
	}
}

// emit delivers a digit unless the same digit fired within the debounce
// window (covering both the in-band/out-of-band double-report case and
// acoustic echo of a just-played tone).
func (f *rtpFeed) emit(ctx context.Context, digit byte) {
	f.mu.Lock()
	now := time.Now()
	if digit == f.lastDigit && now.Sub(f.lastDigitAt) < f.debounce {
		f.mu.Unlock()
		return
	}
	f.lastDigit = digit
	f.lastDigitAt = now
	f.mu.Unlock()

	select {
	case f.Digits <- digit:
	case <-ctx.Done():
	default:
		f.logger.Debug("ivr digit dropped: channel full", "digit", string(digit))
	}
}

// StartCapture begins appending received audio payloads to a fresh
// buffer.
func (f *rtpFeed) StartCapture() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturing = true
	f.capture = nil
	f.capturePT = media.PayloadPCMU
}

// StopCapture ends capture and returns the accumulated payload and its
// RTP payload type.
func (f *rtpFeed) StopCapture() (payload []byte, payloadType int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturing = false
	payload, f.capture = f.capture, nil
	return payload, f.capturePT
}

// CaptureLen returns the number of payload bytes captured so far.
func (f *rtpFeed) CaptureLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.capture)
}

// ClearTail discards pending in-band analysis audio. Called after any
// digit is acted on so the echo of a played confirmation tone is not
// detected as a second keypress.
func (f *rtpFeed) ClearTail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tail = f.tail[:0]
	f.stream.Reset()
}
