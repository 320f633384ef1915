package sip

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/flowpbx/flowpbx-core/internal/media"
)

// relayCodecs is the codec set this core carries between endpoints:
// G.711 both flavors, G.729 strictly as pass-through, and iLBC. Anything
// else a phone offers is dropped from the negotiation rather than
// relayed blind, so the relay's payload-type filter stays meaningful.
var relayCodecs = []string{"PCMU", "PCMA", "G729", "iLBC"}

// MediaBridge manages the two-phase media setup for a bridged call.
// Phase 1 (pre-fork): allocate the relay's port pairs, rewrite the
// caller's SDP so the callee targets the relay. Phase 2 (post-answer):
// intersect the two endpoints' codec sets, rewrite the callee's SDP for
// the caller, and start forwarding with a filter derived from what was
// actually negotiated.
type MediaBridge struct {
	session  *media.MediaSession
	proxyIP  string
	callID   string
	dtmfPT   int
	ilbcMode int
	logger   *slog.Logger

	callerSD *media.SessionDescription
	voice    media.Codec // selected voice codec, caller-side numbering
}

// AllocateMediaBridge performs phase 1: parses the caller's SDP,
// allocates an RTP session with two port pairs, and rewrites the
// caller's SDP so the callee's RTP is directed at the relay's
// callee-leg socket. dtmfPT is the configured RFC 2833 payload type;
// ilbcMode the configured iLBC frame mode.
//
// Returns the MediaBridge (for phase 2) and the rewritten SDP body to
// send in the forked INVITE.
func AllocateMediaBridge(
	sessionMgr *media.SessionManager,
	callerSDPBody []byte,
	callID string,
	proxyIP string,
	dtmfPT int,
	ilbcMode int,
	logger *slog.Logger,
) (*MediaBridge, []byte, error) {
	callerSD, err := media.ParseSDP(callerSDPBody)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing caller sdp: %w", err)
	}

	callerAudio := callerSD.AudioMedia()
	if callerAudio == nil {
		return nil, nil, fmt.Errorf("caller sdp has no audio media")
	}

	// The caller must offer at least one codec this core will carry;
	// otherwise fail now, before a phone rings for a call that could
	// never get media.
	if len(media.NegotiateAnswer(callerAudio, relayCodecs, ilbcMode)) == 0 {
		return nil, nil, fmt.Errorf("caller offers no relayable codec (formats %v)", callerAudio.Formats)
	}

	ms, err := media.CreateMediaSession(sessionMgr, callID, callID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("allocating media session: %w", err)
	}

	// Rewrite the caller's SDP toward the relay's callee-leg socket.
	rewrittenForCallee, err := media.RewriteSDPBytes(callerSDPBody, proxyIP, ms.CalleeRTPPort())
	if err != nil {
		ms.Release()
		return nil, nil, fmt.Errorf("rewriting sdp for callee: %w", err)
	}

	logger.Info("media bridge allocated",
		"call_id", callID,
		"proxy_ip", proxyIP,
		"caller_leg_port", ms.CallerRTPPort(),
		"callee_leg_port", ms.CalleeRTPPort(),
	)

	return &MediaBridge{
		session:  ms,
		proxyIP:  proxyIP,
		callID:   callID,
		dtmfPT:   dtmfPT,
		ilbcMode: ilbcMode,
		logger:   logger,
		callerSD: callerSD,
	}, rewrittenForCallee, nil
}

// CompleteMediaBridge performs phase 2 against the callee's 200 OK SDP:
// computes the codec set both legs share (caller priority order,
// restricted to relayCodecs), rewrites the callee's SDP so the caller
// targets the relay's caller-leg socket, and starts forwarding.
//
// The relay's payload-type filter is the union of both sides' numbers
// for every negotiated codec — dynamic types need not agree across
// legs, and the relay forwards packets verbatim in both directions —
// plus the telephone-event types from either SDP and the configured
// default.
//
// Returns the rewritten SDP body for the 200 OK to the caller. On
// error, the media session is released.
func (mb *MediaBridge) CompleteMediaBridge(calleeSDPBody []byte) ([]byte, error) {
	calleeSD, err := media.ParseSDP(calleeSDPBody)
	if err != nil {
		mb.Release()
		return nil, fmt.Errorf("parsing callee sdp: %w", err)
	}

	callerAudio := mb.callerSD.AudioMedia()
	calleeAudio := calleeSD.AudioMedia()
	if callerAudio == nil || calleeAudio == nil {
		mb.Release()
		return nil, fmt.Errorf("sdp missing audio media")
	}

	// Shared codec set: what the caller offered, kept in the caller's
	// priority order, filtered to the names the callee answered with
	// and to the codecs this core relays at all.
	shared := intersectNames(codecNames(calleeAudio), relayCodecs)
	negotiated := media.NegotiateAnswer(callerAudio, shared, mb.ilbcMode)

	voice, ok := firstVoiceCodec(negotiated)
	if !ok {
		mb.Release()
		return nil, fmt.Errorf("no common voice codec: caller %v, callee %v", callerAudio.Formats, calleeAudio.Formats)
	}
	mb.voice = voice

	mb.logger.Info("bridge codecs negotiated",
		"call_id", mb.callID,
		"voice_codec", voice.Name,
		"voice_pt", voice.PayloadType,
		"negotiated", len(negotiated),
	)

	// Rewrite the callee's SDP toward the relay's caller-leg socket.
	rewrittenForCaller, err := media.RewriteSDPBytes(calleeSDPBody, mb.proxyIP, mb.session.CallerRTPPort())
	if err != nil {
		mb.Release()
		return nil, fmt.Errorf("rewriting sdp for caller: %w", err)
	}

	callerRemote, err := extractRTPAddr(mb.callerSD)
	if err != nil {
		mb.Release()
		return nil, fmt.Errorf("extracting caller rtp address: %w", err)
	}
	calleeRemote, err := extractRTPAddr(calleeSD)
	if err != nil {
		mb.Release()
		return nil, fmt.Errorf("extracting callee rtp address: %w", err)
	}

	allowed := mb.allowedPayloadTypes(negotiated, callerAudio, calleeAudio)

	if err := mb.session.StartRelay(callerRemote, calleeRemote, allowed); err != nil {
		mb.Release()
		return nil, fmt.Errorf("starting rtp relay: %w", err)
	}

	mb.logger.Info("media bridge active",
		"call_id", mb.callID,
		"caller_remote", callerRemote.String(),
		"callee_remote", calleeRemote.String(),
		"voice_codec", voice.Name,
		"allowed_pts", allowed,
	)

	return rewrittenForCaller, nil
}

// allowedPayloadTypes builds the relay filter: both legs' payload type
// numbers for every negotiated codec, plus telephone-event from either
// side and the configured default.
func (mb *MediaBridge) allowedPayloadTypes(negotiated []media.Codec, callerAudio, calleeAudio *media.MediaDescription) []int {
	set := map[int]struct{}{mb.dtmfPT: {}}

	add := func(pt int) { set[pt] = struct{}{} }
	for _, c := range negotiated {
		// Caller-side numbering comes straight from the negotiation.
		add(c.PayloadType)
		// Callee-side numbering may differ for dynamic types.
		if cc := calleeAudio.CodecByName(c.Name); cc != nil {
			add(cc.PayloadType)
		} else {
			// Static types without an rtpmap appear only in the m= line.
			for _, pt := range calleeAudio.Formats {
				if strings.EqualFold(staticPayloadName(pt), c.Name) {
					add(pt)
				}
			}
		}
	}
	for _, audio := range []*media.MediaDescription{callerAudio, calleeAudio} {
		if te := audio.CodecByName("telephone-event"); te != nil {
			add(te.PayloadType)
		}
	}

	out := make([]int, 0, len(set))
	for pt := range set {
		out = append(out, pt)
	}
	return out
}

// Voice returns the negotiated voice codec (caller-side numbering).
// Zero before CompleteMediaBridge succeeds.
func (mb *MediaBridge) Voice() media.Codec {
	return mb.voice
}

// Session returns the underlying media session for attaching to the dialog.
func (mb *MediaBridge) Session() *media.MediaSession {
	return mb.session
}

// Release stops and releases the media session. Called on error paths
// or when the call fails before media bridging completes.
func (mb *MediaBridge) Release() {
	mb.session.Release()
}

// codecNames lists every codec name present in a media description:
// rtpmap entries plus the well-known static payload types that phones
// routinely omit from rtpmap.
func codecNames(audio *media.MediaDescription) []string {
	var names []string
	seen := map[string]struct{}{}
	add := func(name string) {
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}

	for _, pt := range audio.Formats {
		if c := audio.CodecByPayloadType(pt); c != nil {
			add(c.Name)
			continue
		}
		add(staticPayloadName(pt))
	}
	return names
}

// intersectNames returns the members of names that also appear in
// allowed, case-insensitively, preserving the order of names.
func intersectNames(names, allowed []string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[strings.ToLower(a)] = struct{}{}
	}
	var out []string
	for _, n := range names {
		if _, ok := allowedSet[strings.ToLower(n)]; ok {
			out = append(out, n)
		}
	}
	return out
}

// firstVoiceCodec returns the first negotiated codec that is an actual
// voice codec (telephone-event is signaling, not audio).
func firstVoiceCodec(negotiated []media.Codec) (media.Codec, bool) {
	for _, c := range negotiated {
		if strings.EqualFold(c.Name, "telephone-event") {
			continue
		}
		return c, true
	}
	return media.Codec{}, false
}

// staticPayloadName names the static RTP payload types this core
// recognizes in an m= line without an rtpmap attribute.
func staticPayloadName(pt int) string {
	switch pt {
	case media.PayloadPCMU:
		return "PCMU"
	case media.PayloadPCMA:
		return "PCMA"
	case media.PayloadG729:
		return "G729"
	default:
		return ""
	}
}

// extractRTPAddr extracts the RTP endpoint address (IP:port) from an
// SDP's first audio media description.
func extractRTPAddr(sd *media.SessionDescription) (*net.UDPAddr, error) {
	audio := sd.AudioMedia()
	if audio == nil {
		return nil, fmt.Errorf("no audio media in sdp")
	}

	ip := sd.ConnectionAddress(audio)
	if ip == "" {
		return nil, fmt.Errorf("no connection address in sdp")
	}

	return &net.UDPAddr{
		IP:   net.ParseIP(ip),
		Port: audio.Port,
	}, nil
}
