package voicemail

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flowpbx/flowpbx-core/internal/callmgr"
	"github.com/flowpbx/flowpbx-core/internal/directory"
	"github.com/flowpbx/flowpbx-core/internal/media"
	"github.com/flowpbx/flowpbx-core/internal/prompts"
)

// State is the IVR session's position in the menu graph.
type State int

const (
	StateWelcome State = iota
	StatePinEntry
	StateMainMenu
	StateOptions
	StateListening
	StateRecordingGreeting
	StateReviewingGreeting
	StateGoodbye
)

func (s State) String() string {
	switch s {
	case StateWelcome:
		return "welcome"
	case StatePinEntry:
		return "pin-entry"
	case StateMainMenu:
		return "main-menu"
	case StateOptions:
		return "options"
	case StateListening:
		return "listening"
	case StateRecordingGreeting:
		return "recording-greeting"
	case StateReviewingGreeting:
		return "reviewing-greeting"
	case StateGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// Mode selects the session's entry flow.
type Mode int

const (
	// ModeAccess is a *<ext> call: the mailbox owner navigating the IVR.
	ModeAccess Mode = iota

	// ModeDeposit is an unanswered call diverted to leave a message:
	// greeting, beep, record until '#' or hangup.
	ModeDeposit
)

func (m Mode) String() string {
	if m == ModeDeposit {
		return "deposit"
	}
	return "access"
}

// IvrAction is the closed set of things the IVR can do to the call.
// State handlers emit actions; exec is the single point where they
// touch the media layer, so the switch there is exhaustive by
// construction.
type IvrAction interface{ isIvrAction() }

// PlayPrompt plays a named system prompt.
type PlayPrompt struct{ Name string }

// PlayMessage plays a stored voicemail message file.
type PlayMessage struct {
	Path     string
	ID       string
	CallerID string
}

// PlayGreeting plays an in-memory recorded greeting buffer.
type PlayGreeting struct {
	Data        []byte
	PayloadType int
}

// StartRecording begins capturing caller audio.
type StartRecording struct{}

// StopRecording ends capture; the session collects the buffer itself.
type StopRecording struct{}

// CollectDigit parks the session waiting for input, restarting the
// inactivity clock.
type CollectDigit struct{}

// Hangup ends the call with the given cause.
type Hangup struct{ Cause string }

func (PlayPrompt) isIvrAction()     {}
func (PlayMessage) isIvrAction()    {}
func (PlayGreeting) isIvrAction()   {}
func (StartRecording) isIvrAction() {}
func (StopRecording) isIvrAction()  {}
func (CollectDigit) isIvrAction()   {}
func (Hangup) isIvrAction()         {}

// pinLength is how many digits a mailbox PIN has; collection verifies
// as soon as this many are buffered.
const pinLength = 4

// maxPinFailures ends the session after this many wrong PINs.
const maxPinFailures = 3

// SessionParams wires one call's media leg and identity into a Session.
type SessionParams struct {
	Mode         Mode
	Mailbox      string
	CallerIDName string
	CallerIDNum  string

	// Conn is the caller-leg RTP socket; Remote is the caller's media
	// endpoint from its SDP (refined by symmetric RTP learning
	// upstream). The session both plays and records on this one port.
	Conn   *net.UDPConn
	Remote *net.UDPAddr

	// InfoDigits is the call's out-of-band DTMF queue, fed by the SIP
	// transport from INFO requests.
	InfoDigits *callmgr.DTMFQueue

	// OnHangup is invoked exactly once when the IVR decides the call is
	// over (Goodbye played, deposit finished, fatal media error). The
	// SIP layer sends the BYE and ends the call.
	OnHangup func(cause string)
}

// playResult reports an asynchronous playback completing.
type playResult struct {
	err error
}

// Session drives one call's voicemail IVR. Its run loop is a single
// select across digit arrival (both sources), playback completion,
// recording caps, the inactivity timer, and call cancellation; there is
// no polling.
type Session struct {
	svc    *Service
	params SessionParams
	logger *slog.Logger

	feed   *rtpFeed
	player *media.Player

	state       State
	mailbox     *directory.Mailbox
	pinBuf      []byte
	pinFailures int

	messages []directory.Message
	cursor   int

	greeting   []byte
	greetingPT int

	promptDone  chan playResult
	playCancel  context.CancelFunc
	recordTimer *time.Timer

	cancel     context.CancelFunc
	hangupOnce sync.Once
	done       chan struct{}
}

// NewSession builds an IVR session for one call. Call Start to run it.
func (s *Service) NewSession(params SessionParams) *Session {
	logger := s.logger.With("mailbox", params.Mailbox, "caller", params.CallerIDNum)
	return &Session{
		svc:        s,
		params:     params,
		logger:     logger,
		feed:       newRTPFeed(params.Conn, s.cfg.DTMFPayloadType, s.cfg.debounce(), logger),
		player:     media.NewPlayer(params.Conn, params.Remote, logger),
		state:      StateWelcome,
		promptDone: make(chan playResult, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the session's goroutines. The session stops when ctx
// is cancelled (call ended from outside) or when its own flow reaches
// Hangup.
func (sess *Session) Start(ctx context.Context) {
	ctx, sess.cancel = context.WithCancel(ctx)
	go sess.feed.run(ctx)
	go func() {
		defer close(sess.done)
		defer func() {
			if r := recover(); r != nil {
				sess.logger.Error("ivr session panic", "panic", r)
				sess.hangup("ivr_panic")
			}
		}()
		sess.run(ctx)
	}()
}

// Close releases the session's goroutines and media plumbing. Safe to
// call from the call manager during teardown; idempotent.
func (sess *Session) Close() {
	if sess.cancel != nil {
		sess.cancel()
	}
}

// Done is closed when the session's run loop has exited.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

func (sess *Session) hangup(cause string) {
	sess.hangupOnce.Do(func() {
		if sess.params.OnHangup != nil {
			sess.params.OnHangup(cause)
		}
	})
	if sess.cancel != nil {
		sess.cancel()
	}
}

// run is the session's event loop.
func (sess *Session) run(ctx context.Context) {
	sess.logger.Info("ivr session started", "mode", sess.params.Mode.String())

	if sess.params.Mode == ModeDeposit {
		sess.runDeposit(ctx)
		return
	}

	mb, err := sess.svc.sink.Mailbox(ctx, sess.params.Mailbox)
	if err != nil || mb == nil {
		sess.logger.Warn("no mailbox for access call", "error", err)
		sess.exec(ctx, PlayPrompt{prompts.Error})
		sess.awaitPrompt(ctx)
		sess.hangup("no_mailbox")
		return
	}
	sess.mailbox = mb

	// Welcome transitions unconditionally into PIN collection; a
	// mailbox with no PIN set still hears the prompt and enters four
	// digits (any four verify — see verifyPIN).
	sess.state = StatePinEntry
	sess.exec(ctx, PlayPrompt{prompts.EnterPin})

	inactivity := time.NewTimer(sess.svc.cfg.inactivity())
	defer inactivity.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case d := <-sess.params.InfoDigits.Chan():
			sess.touch(inactivity)
			sess.feed.ClearTail()
			sess.handleDigit(ctx, d)

		case d := <-sess.feed.Digits:
			// When both sources report inside the same window, the
			// SIP-INFO digit wins and the in-band one is dropped.
			if id, ok := sess.params.InfoDigits.TryPop(); ok {
				d = id
			}
			sess.touch(inactivity)
			sess.feed.ClearTail()
			sess.handleDigit(ctx, d)

		case res := <-sess.promptDone:
			sess.touch(inactivity)
			sess.handlePromptDone(ctx, res)

		case <-sess.recordTimerC():
			sess.touch(inactivity)
			sess.logger.Info("recording cap reached")
			sess.finishGreetingRecording(ctx)

		case <-inactivity.C:
			sess.logger.Info("ivr inactivity timeout")
			sess.goodbye(ctx)
		}

		if sess.state == StateGoodbye {
			// goodbye() queued the final prompt; wait for it, then end.
			sess.awaitPrompt(ctx)
			sess.hangup("normal_clearing")
			return
		}
	}
}

// touch restarts the inactivity clock.
func (sess *Session) touch(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(sess.svc.cfg.inactivity())
}

// recordTimerC returns the recording-cap channel, or nil (blocks
// forever) when no recording is in flight.
func (sess *Session) recordTimerC() <-chan time.Time {
	if sess.recordTimer == nil {
		return nil
	}
	return sess.recordTimer.C
}

// exec performs one IVR action. It is the state handlers' touchpoint
// with the media layer (runDeposit plays a custom greeting file through
// the player directly); the switch is exhaustive over the closed
// IvrAction set.
func (sess *Session) exec(ctx context.Context, action IvrAction) {
	switch a := action.(type) {
	case PlayPrompt:
		sess.startPlayback(ctx, func(pctx context.Context) error {
			if path, ok := sess.svc.prompts.Lookup(a.Name); ok {
				_, err := sess.player.PlayFile(pctx, path)
				return err
			}
			_, err := sess.player.PlayWAVBytes(pctx, sess.svc.prompts.Fallback(a.Name))
			return err
		})

	case PlayMessage:
		sess.logger.Info("playing message", "message_id", a.ID, "from", a.CallerID)
		sess.startPlayback(ctx, func(pctx context.Context) error {
			_, err := sess.player.PlayFile(pctx, a.Path)
			return err
		})

	case PlayGreeting:
		sess.startPlayback(ctx, func(pctx context.Context) error {
			_, err := sess.player.PlayData(pctx, bytes.NewReader(a.Data), a.PayloadType, uint32(len(a.Data)))
			return err
		})

	case StartRecording:
		sess.feed.StartCapture()
		sess.recordTimer = time.NewTimer(sess.svc.cfg.maxRecord())

	case StopRecording:
		if sess.recordTimer != nil {
			sess.recordTimer.Stop()
			sess.recordTimer = nil
		}

	case CollectDigit:
		// Nothing to start; the run loop is already parked on the digit
		// channels and the inactivity clock was just reset.

	case Hangup:
		sess.hangup(a.Cause)
	}
}

// startPlayback cancels any in-flight playback and streams the new one
// asynchronously, posting to promptDone when finished.
func (sess *Session) startPlayback(ctx context.Context, play func(context.Context) error) {
	sess.stopPlayback()
	pctx, cancel := context.WithCancel(ctx)
	sess.playCancel = cancel
	go func() {
		err := play(pctx)
		if errors.Is(err, context.Canceled) {
			return
		}
		select {
		case sess.promptDone <- playResult{err: err}:
		case <-ctx.Done():
		}
	}()
}

func (sess *Session) stopPlayback() {
	if sess.playCancel != nil {
		sess.playCancel()
		sess.playCancel = nil
	}
	// Drop a stale completion if one is already queued.
	select {
	case <-sess.promptDone:
	default:
	}
}

// awaitPrompt blocks until the current playback finishes or the call is
// cancelled. Used only where the flow is strictly linear (goodbye,
// deposit greeting).
func (sess *Session) awaitPrompt(ctx context.Context) {
	select {
	case <-sess.promptDone:
	case <-ctx.Done():
	}
}

// handleDigit advances the state machine on caller input.
func (sess *Session) handleDigit(ctx context.Context, d byte) {
	sess.logger.Debug("ivr digit", "digit", string(d), "state", sess.state.String())

	switch sess.state {
	case StatePinEntry:
		sess.handlePinDigit(ctx, d)

	case StateMainMenu:
		switch d {
		case '1':
			sess.startListening(ctx)
		case '2':
			sess.state = StateOptions
			sess.exec(ctx, PlayPrompt{prompts.Options})
		case '3':
			sess.beginGreetingRecording(ctx)
		case '*':
			sess.goodbye(ctx)
		}

	case StateOptions:
		sess.handleOptionsDigit(ctx, d)

	case StateListening:
		if d == '7' {
			sess.stopPlayback()
			sess.deleteCurrentMessage(ctx)
			sess.enterMainMenu(ctx)
		}

	case StateRecordingGreeting:
		if d == '#' {
			sess.finishGreetingRecording(ctx)
		}

	case StateReviewingGreeting:
		switch d {
		case '1':
			sess.exec(ctx, PlayGreeting{Data: sess.greeting, PayloadType: sess.greetingPT})
		case '2':
			sess.commitGreeting(ctx)
		case '3':
			sess.greeting = nil
			sess.beginGreetingRecording(ctx)
		}
	}
}

func (sess *Session) handlePinDigit(ctx context.Context, d byte) {
	if d < '0' || d > '9' {
		return
	}
	sess.pinBuf = append(sess.pinBuf, d)
	if len(sess.pinBuf) < pinLength {
		return
	}

	pin := string(sess.pinBuf)
	sess.pinBuf = sess.pinBuf[:0]

	if sess.verifyPIN(pin) {
		sess.logger.Info("pin accepted")
		sess.enterMainMenu(ctx)
		return
	}

	sess.pinFailures++
	sess.logger.Warn("pin rejected", "failures", sess.pinFailures)
	if sess.pinFailures >= maxPinFailures {
		sess.goodbye(ctx)
		return
	}
	sess.exec(ctx, PlayPrompt{prompts.InvalidPin})
}

// verifyPIN checks a collected 4-digit PIN against the mailbox. A
// mailbox with no PIN provisioned accepts any entry — PIN collection
// itself is unconditional, only the check degenerates.
func (sess *Session) verifyPIN(pin string) bool {
	if sess.mailbox.PINHash == "" {
		sess.logger.Info("mailbox has no pin set, accepting entry")
		return true
	}
	ok, err := directory.CheckSecret(pin, sess.mailbox.PINHash)
	return err == nil && ok
}

func (sess *Session) handleOptionsDigit(ctx context.Context, d byte) {
	switch d {
	case '7':
		sess.deleteCurrentMessage(ctx)
		sess.enterMainMenu(ctx)
	case '9':
		if len(sess.messages) > 0 {
			sess.cursor = (sess.cursor + 1) % len(sess.messages)
		}
		sess.startListening(ctx)
	default:
		sess.enterMainMenu(ctx)
	}
}

// enterMainMenu refreshes the message list and plays the menu.
func (sess *Session) enterMainMenu(ctx context.Context) {
	msgs, err := sess.svc.sink.Messages(ctx, sess.params.Mailbox)
	if err != nil {
		sess.logger.Error("failed to load mailbox messages", "error", err)
	} else {
		sess.messages = msgs
		if sess.cursor >= len(msgs) {
			sess.cursor = 0
		}
	}
	sess.state = StateMainMenu
	sess.exec(ctx, PlayPrompt{prompts.MainMenu})
}

// startListening plays the first unread message (or the cursor's
// message when everything is read).
func (sess *Session) startListening(ctx context.Context) {
	if len(sess.messages) == 0 {
		sess.state = StateMainMenu
		sess.exec(ctx, PlayPrompt{prompts.MainMenu})
		return
	}

	idx := -1
	for i, m := range sess.messages {
		if !m.Read {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = sess.cursor % len(sess.messages)
	}
	sess.cursor = idx

	m := sess.messages[idx]
	sess.state = StateListening
	sess.exec(ctx, PlayMessage{Path: m.FilePath, ID: m.ID, CallerID: m.CallerIDNum})
}

func (sess *Session) deleteCurrentMessage(ctx context.Context) {
	if sess.cursor >= len(sess.messages) {
		return
	}
	m := sess.messages[sess.cursor]
	if err := sess.svc.sink.DeleteMessage(ctx, sess.params.Mailbox, m.ID); err != nil {
		sess.logger.Error("failed to delete message", "message_id", m.ID, "error", err)
		return
	}
	sess.logger.Info("message deleted", "message_id", m.ID)
}

func (sess *Session) beginGreetingRecording(ctx context.Context) {
	sess.state = StateRecordingGreeting
	sess.exec(ctx, PlayPrompt{prompts.Beep})
	// Capture starts when the beep finishes (handlePromptDone).
}

func (sess *Session) finishGreetingRecording(ctx context.Context) {
	sess.exec(ctx, StopRecording{})
	payload, pt := sess.feed.StopCapture()
	sess.greeting = payload
	sess.greetingPT = pt
	sess.logger.Info("greeting recorded", "bytes", len(payload))

	sess.state = StateReviewingGreeting
	sess.exec(ctx, PlayPrompt{prompts.GreetingReview})
}

func (sess *Session) commitGreeting(ctx context.Context) {
	_, err := sess.svc.SaveGreeting(ctx, sess.params.Mailbox, sess.greeting, sess.greetingPT)
	if err != nil {
		// Sink failure keeps the caller in the session, not dumped.
		sess.logger.Error("failed to save greeting", "error", err)
		sess.exec(ctx, PlayPrompt{prompts.Error})
		sess.state = StateMainMenu
		return
	}
	sess.greeting = nil
	sess.enterMainMenu(ctx)
}

// handlePromptDone reacts to a playback completing.
func (sess *Session) handlePromptDone(ctx context.Context, res playResult) {
	sess.playCancel = nil
	if res.err != nil {
		sess.logger.Error("playback failed", "error", res.err, "state", sess.state.String())
		switch sess.state {
		case StatePinEntry, StateGoodbye:
			// Never fall past authentication on a media error, and a
			// failed goodbye has nothing left to play.
			sess.state = StateGoodbye
			sess.hangup("media_error")
		case StateListening:
			// Skip the unplayable message rather than looping on it.
			sess.cursor++
			sess.enterMainMenu(ctx)
		default:
			sess.exec(ctx, CollectDigit{})
		}
		return
	}

	switch sess.state {
	case StateListening:
		sess.markCurrentListened(ctx)
		sess.cursor++
		sess.enterMainMenu(ctx)

	case StateRecordingGreeting:
		// Beep finished: start capturing.
		if sess.feed.CaptureLen() == 0 && sess.recordTimer == nil {
			sess.exec(ctx, StartRecording{})
		}

	default:
		sess.exec(ctx, CollectDigit{})
	}
}

func (sess *Session) markCurrentListened(ctx context.Context) {
	if sess.cursor >= len(sess.messages) {
		return
	}
	m := sess.messages[sess.cursor]
	if m.Read {
		return
	}
	if err := sess.svc.sink.MarkRead(ctx, sess.params.Mailbox, m.ID); err != nil {
		sess.logger.Error("failed to mark message listened", "message_id", m.ID, "error", err)
		return
	}
	sess.messages[sess.cursor].Read = true
}

func (sess *Session) goodbye(ctx context.Context) {
	sess.state = StateGoodbye
	sess.exec(ctx, PlayPrompt{prompts.Goodbye})
}

// runDeposit is the unanswered-call flow: greeting, beep, record until
// '#', hangup, or the recording cap; then persist and say goodbye.
func (sess *Session) runDeposit(ctx context.Context) {
	// Greeting.
	if path, ok := sess.svc.GreetingPath(ctx, sess.params.Mailbox); ok {
		sess.startPlayback(ctx, func(pctx context.Context) error {
			_, err := sess.player.PlayFile(pctx, path)
			return err
		})
	} else {
		sess.exec(ctx, PlayPrompt{prompts.DefaultGreeting})
	}
	sess.awaitPrompt(ctx)

	// Beep, then record.
	sess.exec(ctx, PlayPrompt{prompts.Beep})
	sess.awaitPrompt(ctx)
	if ctx.Err() != nil {
		return
	}
	sess.exec(ctx, StartRecording{})

	finished := false
	for !finished {
		select {
		case <-ctx.Done():
			// Caller hung up: whatever was captured is the message.
			finished = true

		case d := <-sess.params.InfoDigits.Chan():
			if d == '#' {
				finished = true
			}

		case d := <-sess.feed.Digits:
			if id, ok := sess.params.InfoDigits.TryPop(); ok {
				d = id
			}
			if d == '#' {
				finished = true
			}

		case <-sess.recordTimerC():
			sess.logger.Info("deposit recording cap reached")
			finished = true
		}
	}

	sess.exec(ctx, StopRecording{})
	payload, pt := sess.feed.StopCapture()
	if len(payload) == 0 {
		sess.logger.Info("deposit produced no audio, nothing saved")
		sess.hangup("no_message")
		return
	}

	// Persist even when the caller is already gone.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sess.svc.SaveMessage(saveCtx, sess.params.Mailbox, sess.params.CallerIDName, sess.params.CallerIDNum, payload, pt)
	if err != nil {
		sess.logger.Error("failed to save deposited message", "error", err)
		if ctx.Err() == nil {
			sess.exec(ctx, PlayPrompt{prompts.Error})
			sess.awaitPrompt(ctx)
		}
		sess.hangup("sink_error")
		return
	}

	if ctx.Err() == nil {
		sess.exec(ctx, PlayPrompt{prompts.Goodbye})
		sess.awaitPrompt(ctx)
	}
	sess.hangup("normal_clearing")
}
