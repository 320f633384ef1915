package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowpbx-core/internal/callmgr"
	"github.com/flowpbx/flowpbx-core/internal/config"
	"github.com/flowpbx/flowpbx-core/internal/directory"
	"github.com/flowpbx/flowpbx-core/internal/media"
	"github.com/flowpbx/flowpbx-core/internal/voicemail"
)

// falseByeWindow is the tolerance for the spurious-BYE handset quirk:
// certain firmware sends a BYE immediately after picking up a voicemail
// IVR answer. The first BYE inside this window after answer is
// acknowledged but ignored; any later BYE ends the call normally.
const falseByeWindow = 2 * time.Second

// Server wraps the sipgo SIP stack with this PBX's handlers: registrar,
// call routing, dialog teardown, and DTMF delivery. Transport is UDP
// only.
type Server struct {
	cfg        *config.Config
	ua         *sipgo.UserAgent
	srv        *sipgo.Server
	registrar  *Registrar
	invite     *InviteHandler
	forker     *Forker
	auth       *Authenticator
	dialogMgr  *DialogManager
	pendingMgr *PendingCallManager
	sessionMgr *media.SessionManager
	calls      *callmgr.Manager
	cdrs       directory.CDRSink
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. The
// external collaborators (extension registry, voicemail sink behind the
// voicemail service, CDR sink) are injected; the server owns everything
// else.
func NewServer(
	cfg *config.Config,
	extensions directory.ExtensionRegistry,
	cdrs directory.CDRSink,
	vm *voicemail.Service,
) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("FlowPBX"),
		sipgo.WithUserAgentHostname(cfg.MediaIP()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	guard := NewBruteForceGuard(GuardConfig{
		FailWindow:    time.Duration(cfg.RegisterFailWindowSecs) * time.Second,
		FailThreshold: cfg.RegisterFailThreshold,
		BlockDuration: time.Duration(cfg.RegisterBlockSecs) * time.Second,
	}, logger)

	auth := NewAuthenticator(extensions, guard, logger)
	registrar := NewRegistrar(extensions, auth, logger)

	forker, err := NewForker(ua, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating invite forker: %w", err)
	}

	rtpProxy, err := media.NewProxy(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		forker.Close()
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp media proxy: %w", err)
	}

	sessionMgr := media.NewSessionManager(rtpProxy, logger)
	proxyIP := cfg.MediaIP()
	logger.Info("media relay configured",
		"proxy_ip", proxyIP,
		"rtp_port_min", cfg.RTPPortMin,
		"rtp_port_max", cfg.RTPPortMax,
	)

	dialogMgr := NewDialogManager(logger)
	pendingMgr := NewPendingCallManager(logger)
	calls := callmgr.NewManager(logger)

	invite := NewInviteHandler(cfg, extensions, auth, forker, dialogMgr, pendingMgr, sessionMgr, calls, cdrs, vm, proxyIP, logger)

	s := &Server{
		cfg:        cfg,
		ua:         ua,
		srv:        srv,
		registrar:  registrar,
		invite:     invite,
		forker:     forker,
		auth:       auth,
		dialogMgr:  dialogMgr,
		pendingMgr: pendingMgr,
		sessionMgr: sessionMgr,
		calls:      calls,
		cdrs:       cdrs,
		logger:     logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.invite.HandleInvite)
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBYE)
	s.srv.OnCancel(s.handleCANCEL)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
}

// Start begins listening on the configured UDP port and launches the
// background sweepers. It returns once the listener goroutines are up.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	// Registration expiry + nonce/bruteforce cleanup.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	// Idle RTP session reclamation.
	s.sessionMgr.StartReaper()

	return nil
}

// Stop gracefully shuts down the listener and waits for goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.sessionMgr != nil {
		s.sessionMgr.StopReaper()
		s.sessionMgr.ReleaseAll()
	}
	if s.forker != nil {
		s.forker.Close()
	}
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Calls returns the call manager for status queries.
func (s *Server) Calls() *callmgr.Manager {
	return s.calls
}

// Sessions returns the media session manager for status queries.
func (s *Server) Sessions() *media.SessionManager {
	return s.sessionMgr
}

// Auth returns the authenticator, exposing the brute-force guard.
func (s *Server) Auth() *Authenticator {
	return s.auth
}

// handleACK processes incoming ACK requests. ACK is not transactional —
// it has no response; the PBX only uses it to confirm dialogs.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	s.logger.Debug("sip ack received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	if d := s.dialogMgr.Get(callID); d != nil {
		s.logger.Debug("ack matched active dialog",
			"call_id", callID,
			"caller", d.Call.CallerIDNum,
			"callee", d.Call.CalledNum,
		)
	} else {
		s.logger.Debug("ack for unknown dialog (may be pre-dialog or stale)",
			"call_id", callID,
		)
	}
}

// handleBYE processes incoming BYE requests to terminate an active
// call: identify which leg sent it, tear down the other leg, release
// media, end the call record.
//
// Quirk tolerance: a voicemail-access call answered moments ago may
// receive a spurious BYE from buggy handset firmware. That first BYE is
// acknowledged with 200 OK but the call stays up.
func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	s.logger.Info("sip bye received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	d := s.dialogMgr.Get(callID)
	if d == nil {
		s.logger.Warn("bye for unknown dialog",
			"call_id", callID,
		)
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to bye", "error", err)
		}
		return
	}

	// Acknowledge the BYE with 200 OK in every case; what differs is
	// whether the call actually ends.
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "error", err)
	}

	if d.Call.VoicemailAccess && d.Call.ShouldIgnoreBYE(falseByeWindow) {
		s.logger.Info("ignoring spurious bye shortly after ivr answer",
			"call_id", callID,
		)
		return
	}

	// Determine which leg sent the BYE and clear the other leg.
	fromTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}

	hangupCause := "normal_clearing"
	callerHangup := fromTag == d.Call.Caller.FromTag || fromTag == ""

	if callerHangup {
		s.logger.Debug("bye from caller, clearing callee leg",
			"call_id", callID,
		)
		s.sendBYEToCallee(d)
		hangupCause = "caller_bye"
	} else {
		s.logger.Debug("bye from callee, clearing caller leg",
			"call_id", callID,
		)
		s.sendBYEToCaller(d)
		hangupCause = "callee_bye"
	}

	s.teardown(callID, hangupCause)
}

// teardown removes the dialog, stops recording, releases media, ends
// the call record, and emits the CDR. Safe to call once per call from
// any teardown path.
func (s *Server) teardown(callID, hangupCause string) {
	d := s.dialogMgr.Remove(callID)
	if d != nil {
		if d.Recorder != nil {
			path, secs := d.Recorder.Stop()
			s.logger.Info("call recording finished",
				"call_id", callID,
				"file", path,
				"duration_secs", secs,
			)
		}
		if d.Media != nil {
			d.Media.Release()
			s.logger.Debug("media session released",
				"call_id", callID,
			)
		}
	}

	ended := s.calls.End(callID, hangupCause)
	if ended == nil {
		return
	}
	recordCDR(s.cdrs, ended, s.logger)
}

// sendBYEToCallee sends a BYE request to the callee (answering device).
// Nil CalleeReq means the PBX itself was the far end (IVR call) and
// there is nothing to clear.
func (s *Server) sendBYEToCallee(d *Dialog) {
	if d.CalleeReq == nil {
		return
	}

	byeReq := buildInDialogBYE(d.CalleeReq, d.CalleeRes, d.RemoteTarget)

	if err := s.forker.Client().WriteRequest(byeReq); err != nil {
		s.logger.Error("failed to send bye to callee",
			"call_id", d.CallID,
			"error", err,
		)
	} else {
		s.logger.Debug("bye sent to callee",
			"call_id", d.CallID,
		)
	}
}

// sendBYEToCaller sends a BYE request to the caller (originating device).
func (s *Server) sendBYEToCaller(d *Dialog) {
	if d.CallerReq == nil {
		s.logger.Warn("cannot send bye to caller: no caller request stored",
			"call_id", d.CallID,
		)
		return
	}

	byeReq := buildReverseDialogBYE(d.CallerReq)

	if err := s.forker.Client().WriteRequest(byeReq); err != nil {
		s.logger.Error("failed to send bye to caller",
			"call_id", d.CallID,
			"error", err,
		)
	} else {
		s.logger.Debug("bye sent to caller",
			"call_id", d.CallID,
		)
	}
}

// buildInDialogBYE creates a BYE request within an established dialog on
// the outbound (callee) leg. The Request-URI is the Contact from the
// callee's 200 OK (remoteTarget), and dialog headers match the original
// INVITE/response exchange.
func buildInDialogBYE(
	inviteReq *sip.Request,
	inviteResp *sip.Response,
	remoteTarget *sip.Uri,
) *sip.Request {
	recipient := &inviteReq.Recipient
	if remoteTarget != nil {
		recipient = remoteTarget
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	// From: same as the original INVITE (our side of the dialog).
	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the response (includes remote tag).
	if inviteResp != nil {
		if h := inviteResp.To(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
	} else if h := inviteReq.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{
		SeqNo:      2,
		MethodName: sip.BYE,
	}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	bye.SetSource(inviteReq.Source())

	return bye
}

// buildReverseDialogBYE creates a BYE request to the caller (originating
// side). The PBX was the UAS for the caller's INVITE, so the From/To
// headers swap: our To becomes From, the caller's From becomes To.
func buildReverseDialogBYE(callerReq *sip.Request) *sip.Request {
	recipient := &callerReq.Recipient
	if contact := callerReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = callerReq.SipVersion

	if h := callerReq.To(); h != nil {
		fromHeader := h.AsFrom()
		bye.AppendHeader(&fromHeader)
	}
	if h := callerReq.From(); h != nil {
		toHeader := h.AsTo()
		bye.AppendHeader(&toHeader)
	}

	if h := callerReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.BYE,
	}
	bye.AppendHeader(cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(callerReq.Transport())
	bye.SetSource(callerReq.Source())

	return bye
}

// handleCANCEL processes incoming CANCEL requests when the caller hangs
// up before the call is answered. Per RFC 3261 §9.2, the server
// responds 200 OK to the CANCEL, aborts the pending fork, and sends 487
// Request Terminated on the original INVITE server transaction.
func (s *Server) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	s.logger.Info("sip cancel received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel", "error", err)
	}

	if pc := s.pendingMgr.Cancel(callID, s.logger); pc != nil {
		s.logger.Info("pending call cancelled",
			"call_id", callID,
		)
		ended := s.calls.End(callID, "caller_cancel")
		if ended != nil {
			recordCDR(s.cdrs, ended, s.logger)
		}
		return
	}

	// The caller may have sent CANCEL after the callee answered but
	// before processing our 200 OK. Treat it as a BYE.
	if d := s.dialogMgr.Get(callID); d != nil {
		s.logger.Info("cancel for answered call, treating as bye",
			"call_id", callID,
		)
		s.sendBYEToCallee(d)
		s.teardown(callID, "caller_cancel")
		return
	}

	s.logger.Warn("cancel for unknown call",
		"call_id", callID,
	)
}

// handleOptions responds to SIP OPTIONS requests (keepalive pings).
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO requests carrying out-of-band DTMF
// (application/dtmf-relay or application/dtmf). The digit lands on the
// call's DTMF queue for the IVR to consume. INFO for an already-ended
// call is still acknowledged — phones buffer INFO past BYE, so this is
// expected traffic, logged at debug.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	respond := func() {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to info", "error", err)
		}
	}

	ct := req.ContentType()
	if ct == nil {
		s.logger.Debug("sip info without content-type, ignoring",
			"call_id", callID,
			"source", req.Source(),
		)
		respond()
		return
	}

	dtmfInfo, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		// Not a DTMF INFO — acknowledge but don't process.
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
			"source", req.Source(),
		)
		respond()
		return
	}

	call := s.calls.Get(callID)
	if call == nil {
		s.logger.Debug("info dtmf for ended call",
			"signal", dtmfInfo.Signal,
			"call_id", callID,
		)
		respond()
		return
	}

	s.logger.Info("sip info dtmf received",
		"signal", dtmfInfo.Signal,
		"duration", dtmfInfo.Duration,
		"call_id", callID,
	)

	if len(dtmfInfo.Signal) > 0 {
		if !call.DTMFQueue().Push(dtmfInfo.Signal[0]) {
			s.logger.Debug("dtmf queue full, digit dropped",
				"call_id", callID,
			)
		}
	}

	respond()
}

// HangupAll force-ends every active call; used during shutdown.
func (s *Server) HangupAll(cause string) {
	for _, c := range s.calls.Active() {
		s.teardown(c.CallID, cause)
	}
}

// ensure voicemail session type satisfies the call manager's handle.
var _ callmgr.IVRSession = (*voicemail.Session)(nil)
