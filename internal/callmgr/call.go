// Package callmgr owns the lifecycle of every in-flight call: its state
// machine, timers, media/IVR handles, and the out-of-band DTMF queue fed
// by SIP INFO while the call is connected.
package callmgr

import (
	"net"
	"sync"
	"time"

	"github.com/flowpbx/flowpbx-core/internal/directory"
)

// CallState is the lifecycle state of a Call.
type CallState string

const (
	CallStateIdle         CallState = "idle"
	CallStateCalling      CallState = "calling"
	CallStateRinging      CallState = "ringing"
	CallStateConnected    CallState = "connected"
	CallStateHold         CallState = "hold"
	CallStateTransferring CallState = "transferring"
	CallStateEnded        CallState = "ended"
)

// IVRSession is the subset of voicemail.Session's behavior the call
// manager needs to drive teardown without importing internal/voicemail
// (which itself needs a *Call to attach playback/recording to — this
// interface breaks the cycle).
type IVRSession interface {
	// Close releases any prompt player, recorder, or greeting buffer
	// held by the session.
	Close()
}

// Leg represents one side of a call (caller or callee).
type Leg struct {
	// Extension is the local extension for this leg, nil for an
	// anonymous/unauthenticated leg (e.g. before REGISTER binds it).
	Extension *directory.Extension

	// FromTag and ToTag identify this leg's dialog half.
	FromTag string
	ToTag   string

	// ContactURI is this leg's Contact header URI.
	ContactURI string

	// RemoteAddr is the leg's signaling source address, used for
	// symmetric response routing.
	RemoteAddr *net.UDPAddr
}

// Call represents a single call session, identified by its SIP Call-ID.
// It is mutated only while the owning Manager's lock is held; callers
// reach it exclusively through Manager methods.
type Call struct {
	// CallID is the globally unique identifier for this call.
	CallID string

	State CallState

	Caller Leg
	Callee Leg

	CallerIDName string
	CallerIDNum  string
	CalledNum    string

	CreatedAt  time.Time
	AnswerTime time.Time
	EndTime    time.Time

	// RTPPorts is the local RTP port pair allocated for this call's
	// media relay (0 before allocation).
	RTPPorts [2]int

	Recording bool
	OnHold    bool

	// RoutedToVoicemail is set once the no-answer timer has diverted
	// this call to voicemail instead of ringing the callee further.
	RoutedToVoicemail bool

	// VoicemailAccess marks a call placed to check voicemail (dialing
	// the mailbox access feature code) rather than to leave a message.
	VoicemailAccess bool

	// VoicemailExtension is the mailbox this call is interacting with,
	// set whenever RoutedToVoicemail or VoicemailAccess is true.
	VoicemailExtension string

	// IVRSession is the active voicemail IVR handle, non-nil only while
	// State == Connected && (RoutedToVoicemail || VoicemailAccess).
	IVRSession IVRSession

	// HangupCause records why the call ended, for CDR disposition.
	HangupCause string

	dtmf     *DTMFQueue
	dtmfOnce sync.Once

	noAnswerTimer *time.Timer

	// firstByeIgnored implements the spurious-BYE quirk tolerance: some phones
	// send a spurious BYE immediately after ACK on call setup races.
	// The first BYE received within 2s of answer is swallowed once;
	// any subsequent BYE terminates the call normally.
	firstByeIgnored bool
	answeredAt      time.Time
}

// Start transitions an Idle call to Calling and records the start time.
func (c *Call) Start() {
	c.State = CallStateCalling
	c.CreatedAt = time.Now()
}

// Ring transitions a call to Ringing.
func (c *Call) Ring() {
	c.State = CallStateRinging
}

// Connect transitions a call to Connected and records the answer time.
func (c *Call) Connect() {
	c.State = CallStateConnected
	c.AnswerTime = time.Now()
	c.answeredAt = c.AnswerTime
	c.StopNoAnswerTimer()
}

// Hold transitions a Connected call to Hold.
func (c *Call) Hold() {
	c.State = CallStateHold
	c.OnHold = true
}

// Resume transitions a Hold call back to Connected.
func (c *Call) Resume() {
	c.State = CallStateConnected
	c.OnHold = false
}

// BeginTransfer transitions a Connected call to Transferring.
func (c *Call) BeginTransfer() {
	c.State = CallStateTransferring
}

// End transitions a call to Ended, records the end time and hangup
// cause, and releases its IVR session handle if any.
func (c *Call) End(cause string) {
	c.State = CallStateEnded
	c.EndTime = time.Now()
	c.HangupCause = cause
	c.StopNoAnswerTimer()
	if c.IVRSession != nil {
		c.IVRSession.Close()
		c.IVRSession = nil
	}
}

// Duration returns the total call duration from creation to end. Zero if
// the call has not ended.
func (c *Call) Duration() time.Duration {
	if c.EndTime.IsZero() {
		return 0
	}
	return c.EndTime.Sub(c.CreatedAt)
}

// BillableDuration returns the duration from answer to end. Zero if the
// call was never answered or has not ended.
func (c *Call) BillableDuration() time.Duration {
	if c.AnswerTime.IsZero() || c.EndTime.IsZero() {
		return 0
	}
	return c.EndTime.Sub(c.AnswerTime)
}

// Disposition returns the CDR disposition string for this call's final
// (or current) state.
func (c *Call) Disposition() string {
	switch {
	case !c.AnswerTime.IsZero() && c.State == CallStateEnded:
		return "answered"
	case c.HangupCause == "no_answer":
		return "no-answer"
	case c.HangupCause == "busy":
		return "busy"
	case c.State == CallStateEnded:
		return "failed"
	default:
		return "in-progress"
	}
}

// StartNoAnswerTimer arms the no-answer timer: if it fires before the
// call is answered or ended, fn is invoked (typically to divert the
// caller to voicemail). Any previously running timer is stopped first.
func (c *Call) StartNoAnswerTimer(d time.Duration, fn func()) {
	c.StopNoAnswerTimer()
	c.noAnswerTimer = time.AfterFunc(d, fn)
}

// StopNoAnswerTimer cancels the no-answer timer if armed.
func (c *Call) StopNoAnswerTimer() {
	if c.noAnswerTimer != nil {
		c.noAnswerTimer.Stop()
		c.noAnswerTimer = nil
	}
}

// ShouldIgnoreBYE implements the first-spurious-BYE tolerance: the first
// BYE arriving within the grace window after answer is swallowed once
// and reported as ignorable; every later BYE (or any BYE once the grace
// window has passed) is reported as real.
func (c *Call) ShouldIgnoreBYE(graceWindow time.Duration) bool {
	if c.firstByeIgnored {
		return false
	}
	if c.answeredAt.IsZero() || time.Since(c.answeredAt) >= graceWindow {
		return false
	}
	c.firstByeIgnored = true
	return true
}

// DTMFQueue lazily creates and returns this call's out-of-band DTMF
// queue, fed by SIP INFO and drained by an attached IVR session.
func (c *Call) DTMFQueue() *DTMFQueue {
	c.dtmfOnce.Do(func() {
		c.dtmf = NewDTMFQueue()
	})
	return c.dtmf
}

// dtmfQueueSize bounds buffered out-of-band digits per call. Phones
// sending INFO faster than the IVR consumes are throttled by drop, not
// by blocking the SIP transport goroutine.
const dtmfQueueSize = 32

// DTMFQueue is a small thread-safe FIFO of DTMF digits received
// out-of-band (SIP INFO) while a call is connected. The SIP transport
// is the only writer; an attached IVR session is the only reader. It is
// channel-backed so the IVR's run loop can select on digit arrival
// alongside its other wake-up sources.
type DTMFQueue struct {
	ch chan byte
}

// NewDTMFQueue creates an empty digit queue.
func NewDTMFQueue() *DTMFQueue {
	return &DTMFQueue{ch: make(chan byte, dtmfQueueSize)}
}

// Push appends a digit to the queue. Digits beyond the buffer bound are
// dropped rather than blocking the SIP transport.
func (q *DTMFQueue) Push(digit byte) bool {
	select {
	case q.ch <- digit:
		return true
	default:
		return false
	}
}

// Chan exposes the queue's receive side for select-based consumption.
func (q *DTMFQueue) Chan() <-chan byte {
	return q.ch
}

// TryPop removes and returns the oldest queued digit without blocking.
func (q *DTMFQueue) TryPop() (byte, bool) {
	select {
	case d := <-q.ch:
		return d, true
	default:
		return 0, false
	}
}

// Drain removes and returns all currently queued digits in arrival order.
func (q *DTMFQueue) Drain() []byte {
	var out []byte
	for {
		select {
		case d := <-q.ch:
			out = append(out, d)
		default:
			return out
		}
	}
}

// Len returns the number of digits currently queued.
func (q *DTMFQueue) Len() int {
	return len(q.ch)
}
