package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowpbx-core/internal/callmgr"
)

// PendingCall represents a call that is ringing but not yet answered.
// It holds the cancel function that aborts the outbound fork leg(s) and
// the caller's server transaction so 487 Request Terminated can be sent.
type PendingCall struct {
	// CallID is the SIP Call-ID for this pending call.
	CallID string

	// Call is the call-manager record, in Calling or Ringing state.
	Call *callmgr.Call

	// CallerTx is the original INVITE server transaction from the caller.
	CallerTx sip.ServerTransaction

	// CallerReq is the original INVITE request from the caller.
	CallerReq *sip.Request

	// CancelFork cancels the fork context, causing all outbound INVITE
	// legs to be cancelled.
	CancelFork func()

	// Bridge holds the allocated media bridge (may be nil). Released
	// if the call is cancelled before answer.
	Bridge *MediaBridge
}

// PendingCallManager tracks calls in the ringing/forking state (between
// INVITE receipt and answer or failure) so the CANCEL handler can find
// and abort them before a dialog exists.
type PendingCallManager struct {
	mu      sync.RWMutex
	pending map[string]*PendingCall // keyed by Call-ID
	logger  *slog.Logger
}

// NewPendingCallManager creates a new pending call tracker.
func NewPendingCallManager(logger *slog.Logger) *PendingCallManager {
	return &PendingCallManager{
		pending: make(map[string]*PendingCall),
		logger:  logger.With("subsystem", "pending-calls"),
	}
}

// Add registers a pending call. Called when forking begins.
func (pm *PendingCallManager) Add(pc *PendingCall) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.pending[pc.CallID] = pc
	pm.logger.Debug("pending call added",
		"call_id", pc.CallID,
	)
}

// Remove removes a pending call. Called when the call is answered or all
// forks fail. Returns the pending call, or nil if not found (meaning the
// CANCEL handler got there first).
func (pm *PendingCallManager) Remove(callID string) *PendingCall {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pc, ok := pm.pending[callID]
	if !ok {
		return nil
	}
	delete(pm.pending, callID)
	pm.logger.Debug("pending call removed",
		"call_id", callID,
	)
	return pc
}

// Get retrieves a pending call by Call-ID without removing it.
func (pm *PendingCallManager) Get(callID string) *PendingCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pending[callID]
}

// Count returns the number of currently pending (ringing) calls.
func (pm *PendingCallManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pending)
}

// Cancel cancels a pending call: aborts all fork legs, releases any
// pre-allocated media, and sends 487 Request Terminated to the caller's
// INVITE transaction (the 200 OK to the CANCEL itself is the transport
// handler's job). Returns the cancelled call, or nil if none was
// pending under that Call-ID.
func (pm *PendingCallManager) Cancel(callID string, logger *slog.Logger) *PendingCall {
	pc := pm.Remove(callID)
	if pc == nil {
		return nil
	}

	// Aborts the Forker.Fork goroutines; the outbound legs get CANCELs.
	pc.CancelFork()

	if pc.Bridge != nil {
		pc.Bridge.Release()
		logger.Debug("media bridge released on cancel",
			"call_id", callID,
		)
	}

	terminatedRes := sip.NewResponseFromRequest(pc.CallerReq, 487, "Request Terminated", nil)
	if err := pc.CallerTx.Respond(terminatedRes); err != nil {
		logger.Error("failed to send 487 to caller on cancel",
			"call_id", callID,
			"error", err,
		)
	} else {
		logger.Info("sent 487 request terminated to caller",
			"call_id", callID,
		)
	}

	return pc
}
