package callmgr

import (
	"log/slog"
	"sync"
)

// defaultHistorySize bounds the ring buffer of recently-ended calls kept
// around for a grace window after they end, for CDR queries and status
// displays.
const defaultHistorySize = 256

// Manager owns every in-flight Call, keyed by Call-ID, plus a bounded
// history of recently-ended calls. All mutation happens with mu held;
// callers never reach into a Call outside of a Manager method, which is
// what keeps the concurrent SIP-handling goroutines from racing.
type Manager struct {
	mu      sync.RWMutex
	calls   map[string]*Call
	history []*Call // ring buffer, oldest overwritten first
	histPos int
	logger  *slog.Logger
}

// NewManager creates an empty call manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		calls:   make(map[string]*Call),
		history: make([]*Call, 0, defaultHistorySize),
		logger:  logger.With("subsystem", "callmgr"),
	}
}

// Create registers a new Idle call under callID. Returns an error if a
// live call already holds that Call-ID: no two live calls may share one.
func (m *Manager) Create(callID, callerIDName, callerIDNum, calledNum string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.calls[callID]; exists {
		return nil, &DuplicateCallError{CallID: callID}
	}

	c := &Call{
		CallID:       callID,
		State:        CallStateIdle,
		CallerIDName: callerIDName,
		CallerIDNum:  callerIDNum,
		CalledNum:    calledNum,
	}
	m.calls[callID] = c

	m.logger.Info("call created",
		"call_id", callID,
		"caller", callerIDNum,
		"called", calledNum,
	)

	return c, nil
}

// Get retrieves an active call by Call-ID. Returns nil if no active call
// exists for that ID (it may be idle/ringing/connected/etc but not yet
// ended and removed).
func (m *Manager) Get(callID string) *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[callID]
}

// End transitions a call to Ended, moves it from the active map into the
// bounded history ring, and returns it for CDR generation. Returns nil if
// no active call was found for callID.
func (m *Manager) End(callID, cause string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return nil
	}

	c.End(cause)
	delete(m.calls, callID)
	m.appendHistory(c)

	m.logger.Info("call ended",
		"call_id", callID,
		"hangup_cause", cause,
		"duration_ms", c.Duration().Milliseconds(),
		"billable_ms", c.BillableDuration().Milliseconds(),
	)

	return c
}

// appendHistory inserts c into the bounded ring buffer, overwriting the
// oldest entry once capacity is reached. Caller must hold mu.
func (m *Manager) appendHistory(c *Call) {
	if len(m.history) < cap(m.history) {
		m.history = append(m.history, c)
		return
	}
	m.history[m.histPos] = c
	m.histPos = (m.histPos + 1) % cap(m.history)
}

// Active returns a snapshot of all currently active (non-Ended) calls.
func (m *Manager) Active() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	return calls
}

// ActiveCount returns the number of currently active calls.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// ForExtension returns active calls where ext participates as caller or
// callee, used for busy detection (an extension is busy once its active
// call count reaches its registered-device capacity, which for this
// module's single-binding model is 1).
func (m *Manager) ForExtension(ext string) []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Call
	for _, c := range m.calls {
		if c.CallerIDNum == ext || c.CalledNum == ext {
			out = append(out, c)
		}
	}
	return out
}

// History returns a snapshot of recently-ended calls, oldest first, up
// to the bounded history size.
func (m *Manager) History() []*Call {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Call, 0, len(m.history))
	if len(m.history) < cap(m.history) {
		out = append(out, m.history...)
		return out
	}
	// Ring is full: unwrap starting from the oldest slot.
	out = append(out, m.history[m.histPos:]...)
	out = append(out, m.history[:m.histPos]...)
	return out
}

// DuplicateCallError is returned by Create when a live call already
// holds the given Call-ID.
type DuplicateCallError struct {
	CallID string
}

func (e *DuplicateCallError) Error() string {
	return "callmgr: duplicate call-id " + e.CallID
}
