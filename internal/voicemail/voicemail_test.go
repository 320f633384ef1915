package voicemail

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/flowpbx/flowpbx-core/internal/callmgr"
	"github.com/flowpbx/flowpbx-core/internal/directory"
	"github.com/flowpbx/flowpbx-core/internal/media"
	"github.com/flowpbx/flowpbx-core/internal/prompts"
)

func testService(t *testing.T, sink directory.VoicemailSink) *Service {
	t.Helper()
	resolver := prompts.NewResolver("", t.TempDir())
	return NewService(sink, resolver, Config{
		DataDir:          t.TempDir(),
		MaxRecordSeconds: 5,
		DTMFPayloadType:  101,
		DebounceMs:       500,
	}, slog.Default())
}

func TestServiceSaveMessage(t *testing.T) {
	sink := directory.NewMemoryVoicemail()
	sink.Put(directory.Mailbox{Number: "1002"})
	svc := testService(t, sink)

	payload := make([]byte, 16000) // 2s of u-law
	for i := range payload {
		payload[i] = 0xFF
	}

	msg, err := svc.SaveMessage(context.Background(), "1002", "Alice", "1001", payload, media.PayloadPCMU)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if msg.DurationSec != 2 {
		t.Errorf("DurationSec = %d, want 2", msg.DurationSec)
	}

	stored, err := sink.Messages(context.Background(), "1002")
	if err != nil || len(stored) != 1 {
		t.Fatalf("sink has %d messages (err %v), want 1", len(stored), err)
	}
	if stored[0].CallerIDNum != "1001" {
		t.Errorf("CallerIDNum = %q, want 1001", stored[0].CallerIDNum)
	}

	// The written file round-trips as a valid u-law WAV.
	data, err := os.ReadFile(msg.FilePath)
	if err != nil {
		t.Fatalf("reading message file: %v", err)
	}
	got, pt, err := media.UnwrapWAV(data)
	if err != nil {
		t.Fatalf("UnwrapWAV: %v", err)
	}
	if pt != media.PayloadPCMU {
		t.Errorf("payload type = %d, want PCMU", pt)
	}
	if !bytes.Equal(got, payload) {
		t.Error("wav payload does not round-trip")
	}
}

func TestServiceSaveGreeting(t *testing.T) {
	sink := directory.NewMemoryVoicemail()
	sink.Put(directory.Mailbox{Number: "1002"})
	svc := testService(t, sink)

	path, err := svc.SaveGreeting(context.Background(), "1002", media.SilenceUlaw(500), media.PayloadPCMU)
	if err != nil {
		t.Fatalf("SaveGreeting: %v", err)
	}

	mb, err := sink.Mailbox(context.Background(), "1002")
	if err != nil || mb == nil {
		t.Fatalf("mailbox lookup failed: %v", err)
	}
	if mb.GreetingPath != path {
		t.Errorf("GreetingPath = %q, want %q", mb.GreetingPath, path)
	}
}

// feedPair builds an rtpFeed over a loopback socket pair and returns the
// feed plus a connected sender.
func feedPair(t *testing.T) (*rtpFeed, *net.UDPConn, *net.UDPAddr) {
	t.Helper()

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { serverConn.Close() })

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen sender: %v", err)
	}
	t.Cleanup(func() { sender.Close() })

	feed := newRTPFeed(serverConn, 101, 500*time.Millisecond, slog.Default())
	return feed, sender, serverConn.LocalAddr().(*net.UDPAddr)
}

// rtpPacket builds a wire-format RTP packet.
func rtpPacket(pt int, seq uint16, ts uint32, payload []byte) []byte {
	pkt := make([]byte, 12+len(payload))
	pkt[0] = 0x80
	pkt[1] = byte(pt)
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint32(pkt[4:8], ts)
	binary.BigEndian.PutUint32(pkt[8:12], 0x1234)
	copy(pkt[12:], payload)
	return pkt
}

func TestFeedTelephoneEvent(t *testing.T) {
	feed, sender, addr := feedPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.run(ctx)

	// RFC 2833 event 5 ('5') with the End bit set, retransmitted three
	// times with the same timestamp — must emit exactly once.
	payload := []byte{0x05, 0x8A, 0x03, 0x20}
	for i := 0; i < 3; i++ {
		sender.WriteToUDP(rtpPacket(101, uint16(10+i), 1000, payload), addr)
	}

	select {
	case d := <-feed.Digits:
		if d != '5' {
			t.Errorf("digit = %q, want '5'", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no digit emitted")
	}

	select {
	case d := <-feed.Digits:
		t.Errorf("duplicate digit %q emitted", d)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFeedCapture(t *testing.T) {
	feed, sender, addr := feedPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.run(ctx)

	feed.StartCapture()

	want := make([]byte, 0, 480)
	for i := 0; i < 3; i++ {
		chunk := media.SilenceUlaw(20)
		want = append(want, chunk...)
		sender.WriteToUDP(rtpPacket(media.PayloadPCMU, uint16(i), uint32(i*160), chunk), addr)
	}

	// Wait for the feed to drain the socket.
	deadline := time.Now().Add(2 * time.Second)
	for feed.CaptureLen() < len(want) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	payload, pt := feed.StopCapture()
	if pt != media.PayloadPCMU {
		t.Errorf("payload type = %d, want PCMU", pt)
	}
	if !bytes.Equal(payload, want) {
		t.Errorf("captured %d bytes, want %d", len(payload), len(want))
	}
}

func TestFeedInbandDetection(t *testing.T) {
	feed, sender, addr := feedPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.run(ctx)

	// ~400ms of a pure '8' tone, sent as 20ms u-law packets: enough for
	// the accumulation minimum and consecutive-frame requirement.
	tone, err := media.GenerateDTMFUlaw('8', 400)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i*160+160 <= len(tone); i++ {
		sender.WriteToUDP(rtpPacket(media.PayloadPCMU, uint16(i), uint32(i*160), tone[i*160:i*160+160]), addr)
	}

	select {
	case d := <-feed.Digits:
		if d != '8' {
			t.Errorf("digit = %q, want '8'", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-band digit not detected")
	}
}

// startAccessSession spins up an access-mode session against loopback
// media, with a drain goroutine standing in for the caller's phone.
func startAccessSession(t *testing.T, pinHash string) (*callmgr.DTMFQueue, <-chan string, *directory.MemoryVoicemail) {
	t.Helper()

	sink := directory.NewMemoryVoicemail()
	sink.Put(directory.Mailbox{Number: "1001", PINHash: pinHash})
	svc := testService(t, sink)

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { serverConn.Close() })

	phone, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen phone: %v", err)
	}
	t.Cleanup(func() { phone.Close() })

	// Drain whatever the session plays at the phone so playback
	// completes naturally.
	go func() {
		buf := make([]byte, 1500)
		for {
			phone.SetReadDeadline(time.Now().Add(20 * time.Second))
			if _, _, err := phone.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	hungUp := make(chan string, 1)
	queue := callmgr.NewDTMFQueue()

	sess := svc.NewSession(SessionParams{
		Mode:         ModeAccess,
		Mailbox:      "1001",
		CallerIDName: "Alice",
		CallerIDNum:  "1001",
		Conn:         serverConn,
		Remote:       phone.LocalAddr().(*net.UDPAddr),
		InfoDigits:   queue,
		OnHangup: func(cause string) {
			select {
			case hungUp <- cause:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(sess.Close)
	sess.Start(ctx)

	return queue, hungUp, sink
}

func TestSessionWrongPinThreeTimesHangsUp(t *testing.T) {
	pinHash, err := directory.HashSecret("4321")
	if err != nil {
		t.Fatal(err)
	}

	queue, hungUp, _ := startAccessSession(t, pinHash)

	// Three wrong 4-digit PINs.
	go func() {
		for i := 0; i < 3; i++ {
			for _, d := range []byte("0000") {
				queue.Push(d)
				time.Sleep(50 * time.Millisecond)
			}
			time.Sleep(500 * time.Millisecond)
		}
	}()

	select {
	case cause := <-hungUp:
		if cause != "normal_clearing" {
			t.Errorf("hangup cause = %q, want normal_clearing", cause)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("session did not hang up after repeated pin failures")
	}
}

func TestSessionStarFromMainMenuHangsUp(t *testing.T) {
	// No PIN provisioned: the session still collects four digits
	// (anything verifies), then '*' from the main menu ends the call.
	queue, hungUp, _ := startAccessSession(t, "")

	go func() {
		time.Sleep(200 * time.Millisecond)
		for _, d := range []byte("0000") {
			queue.Push(d)
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(300 * time.Millisecond)
		queue.Push('*')
	}()

	select {
	case <-hungUp:
	case <-time.After(15 * time.Second):
		t.Fatal("session did not hang up on '*'")
	}
}
