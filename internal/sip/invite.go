package sip

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowpbx-core/internal/callmgr"
	"github.com/flowpbx/flowpbx-core/internal/config"
	"github.com/flowpbx/flowpbx-core/internal/directory"
	"github.com/flowpbx/flowpbx-core/internal/media"
	"github.com/flowpbx/flowpbx-core/internal/voicemail"
)

// ivrCodecs is the codec set the PBX can speak itself when it answers a
// call as the media endpoint: prompt playback and recording are G.711
// only. Bridged calls negotiate from the endpoints' own offers instead
// (G.729 and iLBC pass through the relay but are never terminated
// locally).
var ivrCodecs = []string{"PCMU", "PCMA"}

// InviteHandler processes incoming SIP INVITE requests: authenticates
// the caller, classifies the destination through the dialplan, and
// drives internal ringing, no-answer voicemail diversion, and
// voicemail-access answering.
type InviteHandler struct {
	cfg        *config.Config
	extensions directory.ExtensionRegistry
	auth       *Authenticator
	router     *CallRouter
	forker     *Forker
	dialogMgr  *DialogManager
	pendingMgr *PendingCallManager
	sessionMgr *media.SessionManager
	calls      *callmgr.Manager
	cdrs       directory.CDRSink
	vm         *voicemail.Service
	proxyIP    string
	logger     *slog.Logger
}

// NewInviteHandler creates the INVITE request handler.
func NewInviteHandler(
	cfg *config.Config,
	extensions directory.ExtensionRegistry,
	auth *Authenticator,
	forker *Forker,
	dialogMgr *DialogManager,
	pendingMgr *PendingCallManager,
	sessionMgr *media.SessionManager,
	calls *callmgr.Manager,
	cdrs directory.CDRSink,
	vm *voicemail.Service,
	proxyIP string,
	logger *slog.Logger,
) *InviteHandler {
	return &InviteHandler{
		cfg:        cfg,
		extensions: extensions,
		auth:       auth,
		router:     NewCallRouter(extensions, logger),
		forker:     forker,
		dialogMgr:  dialogMgr,
		pendingMgr: pendingMgr,
		sessionMgr: sessionMgr,
		calls:      calls,
		cdrs:       cdrs,
		vm:         vm,
		proxyIP:    proxyIP,
		logger:     logger.With("subsystem", "invite"),
	}
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	// An INVITE matching an established dialog is a re-INVITE
	// (typically hold/resume renegotiation), not a new call.
	if d := h.dialogMgr.Get(callID); d != nil {
		h.handleReInvite(req, tx, d)
		return
	}

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// 100 Trying immediately to stop UAC retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying",
			"call_id", callID,
			"error", err,
		)
		return
	}

	// Callers must be authenticated local extensions; trunk federation
	// is out of scope.
	callerExt := h.auth.Authenticate(req, tx)
	if callerExt == nil {
		return
	}

	destination := req.Recipient.User

	call, err := h.calls.Create(callID, callerExt.Name, callerExt.Number, destination)
	if err != nil {
		h.logger.Warn("invite rejected: duplicate call-id",
			"call_id", callID,
			"error", err,
		)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}
	call.Start()
	call.Caller.Extension = callerExt
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			call.Caller.FromTag = tag
		}
	}

	cls, err := Classify(destination, h.cfg.InternalPattern)
	if err != nil {
		h.logger.Info("invite rejected: no dialplan match",
			"call_id", callID,
			"destination", destination,
		)
		h.rejectCall(req, tx, call, 404, "Not Found")
		return
	}

	h.logger.Info("invite classified",
		"call_id", callID,
		"kind", string(cls.Kind),
		"destination", destination,
		"caller", callerExt.Number,
	)

	switch cls.Kind {
	case RouteKindInternal:
		h.handleInternalCall(req, tx, call, callerExt, destination)

	case RouteKindVoicemailAccess:
		h.handleVoicemailAccess(req, tx, call, callerExt, cls.MailboxExtension)

	case RouteKindEmergency:
		// Emergency trunking belongs to an external collaborator this
		// deployment does not have; the failure must be loud.
		h.logger.Error("emergency call received with no emergency route configured",
			"call_id", callID,
			"caller", callerExt.Number,
			"dialed", destination,
		)
		h.rejectCall(req, tx, call, 503, "Service Unavailable")

	case RouteKindAutoAttendant, RouteKindParking, RouteKindQueue:
		// Valid dialplan entries served by external collaborators that
		// are not wired into this deployment.
		h.logger.Info("call to unprovisioned feature destination",
			"call_id", callID,
			"kind", string(cls.Kind),
			"dialed", destination,
		)
		h.rejectCall(req, tx, call, 480, "Temporarily Unavailable")

	default:
		h.rejectCall(req, tx, call, 404, "Not Found")
	}
}

// handleInternalCall rings the target extension's registered contact and
// diverts to voicemail when it is unregistered or does not answer in time.
func (h *InviteHandler) handleInternalCall(req *sip.Request, tx sip.ServerTransaction, call *callmgr.Call, callerExt *directory.Extension, target string) {
	ctx := context.Background()
	callID := call.CallID

	route, err := h.router.RouteInternalCall(ctx, callerExt.Number, target)
	switch {
	case err == nil:
		// Target is registered; ring it below.

	case err == ErrExtensionNotFound:
		h.rejectCall(req, tx, call, 404, "Not Found")
		return

	case err == ErrDND:
		h.rejectCall(req, tx, call, 486, "Busy Here")
		return

	case err == ErrNoRegistrations:
		// Nobody to ring; straight to the mailbox.
		h.logger.Info("target unregistered, diverting to voicemail",
			"call_id", callID,
			"target", target,
		)
		h.divertToVoicemail(req, tx, call, target)
		return

	default:
		h.logger.Error("internal call routing error",
			"call_id", callID,
			"error", err,
		)
		h.rejectCall(req, tx, call, 500, "Internal Server Error")
		return
	}

	call.Callee.Extension = route.TargetExtension

	// Phase 1 of media bridging: allocate the relay and rewrite the
	// caller's SDP so the callee sends RTP to the relay.
	var bridge *MediaBridge
	var calleeSDP []byte
	if len(req.Body()) > 0 {
		bridge, calleeSDP, err = AllocateMediaBridge(h.sessionMgr, req.Body(), callID, h.proxyIP, h.cfg.DTMFPayloadType, h.cfg.ILBCMode, h.logger)
		if err != nil {
			h.logger.Error("failed to allocate media bridge",
				"call_id", callID,
				"error", err,
			)
			// Port exhaustion is a capacity problem (503); anything
			// else here is a media error on an unanswered call (500).
			if errors.Is(err, media.ErrPortsExhausted) {
				h.rejectCall(req, tx, call, 503, "Service Unavailable")
			} else {
				h.rejectCall(req, tx, call, 500, "Internal Server Error")
			}
			return
		}
		call.RTPPorts = [2]int{bridge.Session().CallerRTPPort(), bridge.Session().CalleeRTPPort()}
	}

	// The no-answer timer owns the ring window: on expiry it aborts the
	// fork, and the fork result path below diverts to voicemail.
	forkCtx, cancelFork := context.WithCancel(ctx)
	noAnswer := time.Duration(h.cfg.NoAnswerSecs) * time.Second
	call.StartNoAnswerTimer(noAnswer, func() {
		h.logger.Info("no-answer timer fired",
			"call_id", callID,
			"target", target,
		)
		cancelFork()
	})

	call.Ring()
	h.pendingMgr.Add(&PendingCall{
		CallID:     callID,
		Call:       call,
		CallerTx:   tx,
		CallerReq:  req,
		CancelFork: cancelFork,
		Bridge:     bridge,
	})

	result := h.forker.Fork(forkCtx, req, tx, []directory.Registration{*route.Contact}, callerExt, callID, calleeSDP)

	pc := h.pendingMgr.Remove(callID)
	cancelFork()
	call.StopNoAnswerTimer()

	// The CANCEL handler got there first: it already sent 487, released
	// media, and ended the call.
	if pc == nil {
		h.logger.Info("fork completed but call was already cancelled",
			"call_id", callID,
		)
		if result.Answered && result.AnsweringTx != nil {
			result.AnsweringTx.Terminate()
		}
		return
	}

	if result.Error != nil {
		h.logger.Error("fork failed",
			"call_id", callID,
			"error", result.Error,
		)
		if bridge != nil {
			bridge.Release()
		}
		h.rejectCall(req, tx, call, 500, "Internal Server Error")
		return
	}

	if result.AllBusy {
		h.logger.Info("target busy",
			"call_id", callID,
			"target", target,
		)
		if bridge != nil {
			bridge.Release()
		}
		h.rejectCall(req, tx, call, 486, "Busy Here")
		return
	}

	if !result.Answered {
		// Ring window elapsed (or the phone rejected): voicemail.
		h.logger.Info("no answer, diverting to voicemail",
			"call_id", callID,
			"target", target,
		)
		if bridge != nil {
			bridge.Release()
			call.RTPPorts = [2]int{}
		}
		h.divertToVoicemail(req, tx, call, target)
		return
	}

	h.completeBridgedCall(req, tx, call, bridge, result)
}

// completeBridgedCall finishes an answered two-party call: ACK to the
// callee, phase-2 media bridging, 200 OK to the caller, dialog entry.
func (h *InviteHandler) completeBridgedCall(req *sip.Request, tx sip.ServerTransaction, call *callmgr.Call, bridge *MediaBridge, result *ForkResult) {
	callID := call.CallID

	// ACK for a 2xx is generated by the UAC core and sent directly
	// (RFC 3261 §13.2.2.4).
	ackReq := buildACKFor2xx(result.AnsweringReq, result.AnswerResponse)
	if err := h.forker.Client().WriteRequest(ackReq); err != nil {
		h.logger.Error("failed to send ack to callee",
			"call_id", callID,
			"error", err,
		)
		result.AnsweringTx.Terminate()
		if bridge != nil {
			bridge.Release()
		}
		h.rejectCall(req, tx, call, 500, "Internal Server Error")
		return
	}

	// Phase 2: negotiate the codec, rewrite the callee's SDP toward the
	// relay, start forwarding.
	var mediaSession *media.MediaSession
	okBody := result.AnswerResponse.Body()
	if bridge != nil && len(okBody) > 0 {
		rewrittenForCaller, err := bridge.CompleteMediaBridge(okBody)
		if err != nil {
			h.logger.Error("failed to complete media bridge",
				"call_id", callID,
				"error", err,
			)
			// Fall back to direct media (SDP pass-through) — bridge already released.
		} else {
			okBody = rewrittenForCaller
			mediaSession = bridge.Session()
		}
	}

	okResponse := sip.NewResponseFromRequest(req, 200, "OK", okBody)
	if len(okBody) > 0 {
		okResponse.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	if err := tx.Respond(okResponse); err != nil {
		h.logger.Error("failed to relay 200 ok to caller",
			"call_id", callID,
			"error", err,
		)
		result.AnsweringTx.Terminate()
		if mediaSession != nil {
			mediaSession.Release()
		}
		h.endCall(callID, "transport_error")
		return
	}

	call.Connect()
	call.Callee.ContactURI = result.AnsweringContact.ContactURI
	if to := result.AnswerResponse.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			call.Callee.ToTag = tag
		}
	}

	d := &Dialog{
		CallID:    callID,
		Call:      call,
		CallerTx:  tx,
		CallerReq: req,
		CalleeTx:  result.AnsweringTx,
		CalleeReq: result.AnsweringReq,
		CalleeRes: result.AnswerResponse,
		Media:     mediaSession,
	}
	if contact := result.AnswerResponse.Contact(); contact != nil {
		d.RemoteTarget = contact.Address.Clone()
	}

	// Call recording by callee preference; the caller's setting rides
	// along since both legs traverse the same relay.
	if mediaSession != nil && recordingWanted(call.Caller.Extension, call.Callee.Extension) {
		d.Recorder = h.startCallRecording(callID, mediaSession)
		call.Recording = d.Recorder != nil
	}

	h.dialogMgr.Add(d)

	voiceCodec := ""
	if bridge != nil && mediaSession != nil {
		voiceCodec = bridge.Voice().Name
	}
	h.logger.Info("call established",
		"call_id", callID,
		"caller", call.CallerIDNum,
		"callee", call.CalledNum,
		"active_calls", h.calls.ActiveCount(),
		"media_bridged", mediaSession != nil,
		"voice_codec", voiceCodec,
		"recording", call.Recording,
	)
}

// divertToVoicemail answers the caller on behalf of the target's
// mailbox and runs a deposit IVR session (greeting, beep, record).
func (h *InviteHandler) divertToVoicemail(req *sip.Request, tx sip.ServerTransaction, call *callmgr.Call, mailbox string) {
	call.RoutedToVoicemail = true
	call.VoicemailExtension = mailbox
	h.answerAsEndpoint(req, tx, call, voicemail.ModeDeposit, mailbox)
}

// handleVoicemailAccess answers a *<ext> call immediately and runs the
// access IVR for the named mailbox.
func (h *InviteHandler) handleVoicemailAccess(req *sip.Request, tx sip.ServerTransaction, call *callmgr.Call, callerExt *directory.Extension, mailbox string) {
	ctx := context.Background()

	ext, err := h.extensions.Lookup(ctx, mailbox)
	if err != nil {
		h.logger.Error("failed to look up mailbox extension",
			"call_id", call.CallID,
			"mailbox", mailbox,
			"error", err,
		)
		h.rejectCall(req, tx, call, 500, "Internal Server Error")
		return
	}
	if ext == nil {
		h.rejectCall(req, tx, call, 404, "Not Found")
		return
	}

	call.VoicemailAccess = true
	call.VoicemailExtension = mailbox
	h.answerAsEndpoint(req, tx, call, voicemail.ModeAccess, mailbox)
}

// answerAsEndpoint makes the PBX the media endpoint for this call:
// allocates an RTP leg, builds an SDP answer from the caller's offer,
// responds 200 OK, and attaches an IVR session that plays and records
// on the allocated port.
func (h *InviteHandler) answerAsEndpoint(req *sip.Request, tx sip.ServerTransaction, call *callmgr.Call, mode voicemail.Mode, mailbox string) {
	callID := call.CallID

	offer, err := media.ParseSDP(req.Body())
	if err != nil {
		h.logger.Warn("invite carries unparsable sdp",
			"call_id", callID,
			"error", err,
		)
		h.rejectCall(req, tx, call, 400, "Bad Request")
		return
	}
	offerAudio := offer.AudioMedia()
	if offerAudio == nil {
		h.rejectCall(req, tx, call, 400, "Bad Request")
		return
	}

	answerCodecs := media.NegotiateAnswer(offerAudio, ivrCodecs, h.cfg.ILBCMode)
	if len(answerCodecs) == 0 {
		h.logger.Info("no common codec for ivr call",
			"call_id", callID,
			"offered", offerAudio.Formats,
		)
		h.rejectCall(req, tx, call, 500, "Internal Server Error")
		return
	}

	ms, err := media.CreateMediaSession(h.sessionMgr, callID, callID, h.logger)
	if err != nil {
		h.logger.Error("failed to allocate ivr media session",
			"call_id", callID,
			"error", err,
		)
		h.rejectCall(req, tx, call, 503, "Service Unavailable")
		return
	}
	call.RTPPorts = [2]int{ms.CallerRTPPort(), ms.CallerRTPPort() + 1}

	callerRemote, err := extractRTPAddr(offer)
	if err != nil {
		ms.Release()
		h.logger.Warn("offer sdp has no usable rtp endpoint",
			"call_id", callID,
			"error", err,
		)
		h.rejectCall(req, tx, call, 400, "Bad Request")
		return
	}

	sessionID := strconv.FormatUint(uint64(rand.Uint32()), 10)
	answer := media.BuildAnswerSDP(sessionID, h.proxyIP, ms.CallerRTPPort(), answerCodecs)

	okResponse := sip.NewResponseFromRequest(req, 200, "OK", answer)
	okResponse.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	okResponse.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "voicemail", Host: h.proxyIP, Port: h.cfg.SIPPort},
	})

	if err := tx.Respond(okResponse); err != nil {
		ms.Release()
		h.logger.Error("failed to answer ivr call",
			"call_id", callID,
			"error", err,
		)
		h.endCall(callID, "transport_error")
		return
	}

	call.Connect()

	d := &Dialog{
		CallID:    callID,
		Call:      call,
		CallerTx:  tx,
		CallerReq: req,
		Media:     ms,
	}
	h.dialogMgr.Add(d)

	session := h.vm.NewSession(voicemail.SessionParams{
		Mode:         mode,
		Mailbox:      mailbox,
		CallerIDName: call.CallerIDName,
		CallerIDNum:  call.CallerIDNum,
		Conn:         ms.CallerConn(),
		Remote:       callerRemote,
		InfoDigits:   call.DTMFQueue(),
		OnHangup: func(cause string) {
			h.hangupIVRCall(callID, cause)
		},
	})
	call.IVRSession = session
	session.Start(context.Background())

	h.logger.Info("ivr call answered",
		"call_id", callID,
		"mode", mode.String(),
		"mailbox", mailbox,
		"rtp_port", ms.CallerRTPPort(),
	)
}

// hangupIVRCall tears down an IVR-terminated call from the PBX side:
// BYE to the caller, dialog removal, media release, call end.
func (h *InviteHandler) hangupIVRCall(callID, cause string) {
	d := h.dialogMgr.Remove(callID)
	if d == nil {
		// Already torn down by a caller BYE.
		return
	}

	bye := buildReverseDialogBYE(d.CallerReq)
	if err := h.forker.Client().WriteRequest(bye); err != nil {
		h.logger.Error("failed to send bye to caller",
			"call_id", callID,
			"error", err,
		)
	}

	if d.Media != nil {
		d.Media.Release()
	}
	h.endCall(callID, cause)
}

// handleReInvite processes SDP renegotiation on an established dialog
// (hold/resume). The relay's ports do not move, so the prior answer
// semantics are preserved; only the call's hold state changes.
func (h *InviteHandler) handleReInvite(req *sip.Request, tx sip.ServerTransaction, d *Dialog) {
	callID := d.CallID

	hold := false
	if len(req.Body()) > 0 {
		if sd, err := media.ParseSDP(req.Body()); err == nil {
			hold = sdpIndicatesHold(sd)
		}
	}

	if hold {
		d.Call.Hold()
	} else if d.Call.State == callmgr.CallStateHold {
		d.Call.Resume()
	}

	h.logger.Info("re-invite processed",
		"call_id", callID,
		"on_hold", hold,
	)

	// Answer with an SDP keeping the relay's existing port so media
	// continues to flow through the same entry.
	var body []byte
	if len(req.Body()) > 0 && d.Media != nil {
		rewritten, err := media.RewriteSDPBytes(req.Body(), h.proxyIP, d.Media.CallerRTPPort())
		if err == nil {
			body = rewritten
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to re-invite",
			"call_id", callID,
			"error", err,
		)
	}
}

// sdpIndicatesHold reports whether an offer places the call on hold:
// a=sendonly/inactive on the audio media or the zeroed c= convention.
func sdpIndicatesHold(sd *media.SessionDescription) bool {
	audio := sd.AudioMedia()
	if audio == nil {
		return false
	}
	switch audio.Direction {
	case "sendonly", "inactive":
		return true
	}
	return sd.ConnectionAddress(audio) == "0.0.0.0"
}

// rejectCall sends a failure response to an unanswered INVITE and ends
// the call record with a disposition matching the status code.
func (h *InviteHandler) rejectCall(req *sip.Request, tx sip.ServerTransaction, call *callmgr.Call, code int, reason string) {
	h.respondError(req, tx, code, reason)
	h.endCall(call.CallID, hangupCauseForStatus(code))
}

// endCall transitions the call to Ended and emits its CDR.
func (h *InviteHandler) endCall(callID, cause string) {
	ended := h.calls.End(callID, cause)
	if ended == nil {
		return
	}
	recordCDR(h.cdrs, ended, h.logger)
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

// recordingWanted reports whether either party's extension asks for
// always-on call recording.
func recordingWanted(caller, callee *directory.Extension) bool {
	if caller != nil && caller.RecordingMode == "all" {
		return true
	}
	if callee != nil && callee.RecordingMode == "all" {
		return true
	}
	return false
}

// startCallRecording creates a Recorder for the call and attaches it to
// the media session's relay. Errors are logged, never fatal to the call.
func (h *InviteHandler) startCallRecording(callID string, mediaSession *media.MediaSession) *media.Recorder {
	if h.cfg.DataDir == "" || mediaSession == nil {
		return nil
	}

	filePath := media.RecordingPath(h.cfg.DataDir, callID, time.Now())
	rec, err := media.NewRecorder(filePath, h.logger)
	if err != nil {
		h.logger.Error("failed to start call recording",
			"call_id", callID,
			"file", filePath,
			"error", err,
		)
		return nil
	}

	if err := mediaSession.SetRecorder(rec); err != nil {
		h.logger.Error("failed to attach recorder to media session",
			"call_id", callID,
			"error", err,
		)
		rec.Stop()
		return nil
	}

	h.logger.Info("call recording started",
		"call_id", callID,
		"file", filePath,
	)
	return rec
}

// hangupCauseForStatus maps a SIP failure status to a CDR hangup cause.
func hangupCauseForStatus(code int) string {
	switch code {
	case 404:
		return "not_found"
	case 480:
		return "unavailable"
	case 486:
		return "busy"
	case 487:
		return "caller_cancel"
	case 488:
		return "not_acceptable"
	case 503:
		return "congestion"
	default:
		return "failed"
	}
}

// recordCDR hands a finished call to the CDR sink.
func recordCDR(cdrs directory.CDRSink, call *callmgr.Call, logger *slog.Logger) {
	if cdrs == nil {
		return
	}

	rec := directory.CDRRecord{
		CallID:       call.CallID,
		StartTime:    call.CreatedAt,
		CallerIDName: call.CallerIDName,
		CallerIDNum:  call.CallerIDNum,
		Callee:       call.CalledNum,
		Direction:    "internal",
		Disposition:  call.Disposition(),
		HangupCause:  call.HangupCause,
	}
	if !call.AnswerTime.IsZero() {
		t := call.AnswerTime
		rec.AnswerTime = &t
	}
	if !call.EndTime.IsZero() {
		t := call.EndTime
		rec.EndTime = &t
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cdrs.Record(ctx, rec); err != nil {
		logger.Error("failed to record cdr",
			"call_id", call.CallID,
			"error", err,
		)
		return
	}
	logger.Debug("cdr recorded",
		"call_id", call.CallID,
		"disposition", rec.Disposition,
	)
}

// requestCallID extracts the Call-ID header value, or "".
func requestCallID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core
// (not the transaction layer). The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as original INVITE.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the response (includes the remote tag).
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
