package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowpbx-core/internal/callmgr"
	"github.com/flowpbx/flowpbx-core/internal/media"
)

// Dialog holds the SIP plumbing for one established call: the
// transactions and messages needed to build in-dialog requests (BYE,
// re-INVITE responses) plus the media session attached to the call.
// Call lifecycle state itself (Ringing/Connected/Hold/Ended, timers,
// timestamps, DTMF queue) lives on the callmgr.Call this dialog points
// at — the call manager is the sole writer of that state.
type Dialog struct {
	// CallID is the SIP Call-ID header value shared by both legs.
	CallID string

	// Call is the call-manager record this dialog belongs to.
	Call *callmgr.Call

	// CallerTx is the inbound server transaction (caller → PBX).
	CallerTx sip.ServerTransaction

	// CallerReq is the original INVITE from the caller, needed for
	// building in-dialog requests (e.g. BYE) and late responses.
	CallerReq *sip.Request

	// CalleeTx is the outbound client transaction (PBX → callee).
	// Nil for calls the PBX itself terminates (voicemail/IVR).
	CalleeTx sip.ClientTransaction

	// CalleeReq is the forked INVITE sent to the callee.
	CalleeReq *sip.Request

	// CalleeRes is the 200 OK response from the callee, containing
	// dialog parameters (To tag, Contact) needed for BYE.
	CalleeRes *sip.Response

	// RemoteTarget is the callee's Contact URI from its 200 OK, where
	// in-dialog requests to the callee are sent.
	RemoteTarget *sip.Uri

	// Media is the RTP media session for this call, relaying between
	// the caller and callee legs (or, for IVR calls, carrying the
	// player/recorder leg). Released on teardown.
	Media *media.MediaSession

	// Recorder captures call audio to a WAV file when call recording
	// is active. Nil when the call is not recorded.
	Recorder *media.Recorder
}

// DialogManager tracks the SIP plumbing for all established calls,
// keyed by Call-ID. It is the transport layer's dialog table; the call
// manager remains the authority on call state.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogManager creates an empty dialog table.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog"),
	}
}

// Add registers an established dialog.
func (dm *DialogManager) Add(d *Dialog) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.dialogs[d.CallID] = d
	dm.logger.Info("dialog established",
		"call_id", d.CallID,
		"caller", d.Call.CallerIDNum,
		"callee", d.Call.CalledNum,
	)
}

// Get retrieves an active dialog by Call-ID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[callID]
}

// Remove deletes a dialog from the table and returns it, or nil if no
// dialog was found. The caller is responsible for releasing the media
// session and ending the call-manager record.
func (dm *DialogManager) Remove(callID string) *Dialog {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	d, ok := dm.dialogs[callID]
	if !ok {
		return nil
	}
	delete(dm.dialogs, callID)
	dm.logger.Info("dialog removed", "call_id", callID)
	return d
}

// Count returns the number of established dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}
