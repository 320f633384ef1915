package callmgr

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_CreateAndGet(t *testing.T) {
	m := NewManager(testLogger())

	c, err := m.Create("call-1", "Alice", "1001", "1002")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.State != CallStateIdle {
		t.Errorf("state = %v, want Idle", c.State)
	}

	got := m.Get("call-1")
	if got != c {
		t.Errorf("Get returned a different call")
	}

	if m.Get("nonexistent") != nil {
		t.Error("Get for unknown call-id should return nil")
	}
}

func TestManager_CreateDuplicateRejected(t *testing.T) {
	m := NewManager(testLogger())

	if _, err := m.Create("call-1", "Alice", "1001", "1002"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := m.Create("call-1", "Bob", "1003", "1004")
	if err == nil {
		t.Fatal("expected error creating a call with a duplicate call-id")
	}
}

func TestCall_StateTransitions(t *testing.T) {
	c := &Call{CallID: "call-1"}

	c.Start()
	if c.State != CallStateCalling {
		t.Errorf("after Start: state = %v, want Calling", c.State)
	}

	c.Ring()
	if c.State != CallStateRinging {
		t.Errorf("after Ring: state = %v, want Ringing", c.State)
	}

	c.Connect()
	if c.State != CallStateConnected {
		t.Errorf("after Connect: state = %v, want Connected", c.State)
	}
	if c.AnswerTime.IsZero() {
		t.Error("AnswerTime should be set after Connect")
	}

	c.Hold()
	if c.State != CallStateHold || !c.OnHold {
		t.Errorf("after Hold: state = %v, onHold = %v", c.State, c.OnHold)
	}

	c.Resume()
	if c.State != CallStateConnected || c.OnHold {
		t.Errorf("after Resume: state = %v, onHold = %v", c.State, c.OnHold)
	}

	c.BeginTransfer()
	if c.State != CallStateTransferring {
		t.Errorf("after BeginTransfer: state = %v, want Transferring", c.State)
	}

	c.End("normal")
	if c.State != CallStateEnded {
		t.Errorf("after End: state = %v, want Ended", c.State)
	}
	if c.EndTime.IsZero() {
		t.Error("EndTime should be set after End")
	}
}

func TestManager_End_MovesToHistory(t *testing.T) {
	m := NewManager(testLogger())
	m.Create("call-1", "Alice", "1001", "1002")

	ended := m.End("call-1", "normal")
	if ended == nil {
		t.Fatal("End returned nil for an active call")
	}
	if ended.State != CallStateEnded {
		t.Errorf("ended call state = %v, want Ended", ended.State)
	}

	if m.Get("call-1") != nil {
		t.Error("ended call should no longer be active")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}

	hist := m.History()
	if len(hist) != 1 || hist[0].CallID != "call-1" {
		t.Errorf("History = %+v, want one entry for call-1", hist)
	}

	if m.End("call-1", "normal") != nil {
		t.Error("ending an already-ended call should return nil")
	}
}

func TestManager_HistoryRingBufferBounded(t *testing.T) {
	m := NewManager(testLogger())

	for i := 0; i < defaultHistorySize+10; i++ {
		id := "call-" + string(rune('A'+i%26)) + string(rune(i))
		m.Create(id, "x", "1001", "1002")
		m.End(id, "normal")
	}

	hist := m.History()
	if len(hist) != defaultHistorySize {
		t.Errorf("History length = %d, want %d (bounded)", len(hist), defaultHistorySize)
	}
}

func TestManager_ForExtension(t *testing.T) {
	m := NewManager(testLogger())
	m.Create("call-1", "Alice", "1001", "1002")
	m.Create("call-2", "Carl", "1003", "1004")

	calls := m.ForExtension("1001")
	if len(calls) != 1 || calls[0].CallID != "call-1" {
		t.Errorf("ForExtension(1001) = %+v, want [call-1]", calls)
	}

	calls = m.ForExtension("1002")
	if len(calls) != 1 || calls[0].CallID != "call-1" {
		t.Errorf("ForExtension(1002) = %+v, want [call-1] (callee side)", calls)
	}

	if len(m.ForExtension("9999")) != 0 {
		t.Error("ForExtension for uninvolved extension should be empty")
	}
}

func TestCall_NoAnswerTimer(t *testing.T) {
	c := &Call{CallID: "call-1"}

	fired := make(chan struct{})
	c.StartNoAnswerTimer(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("no-answer timer did not fire")
	}
}

func TestCall_NoAnswerTimerCancelledByConnect(t *testing.T) {
	c := &Call{CallID: "call-1"}

	fired := make(chan struct{})
	c.StartNoAnswerTimer(20*time.Millisecond, func() { close(fired) })
	c.Connect()

	select {
	case <-fired:
		t.Fatal("no-answer timer fired despite Connect cancelling it")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCall_ShouldIgnoreBYE(t *testing.T) {
	c := &Call{CallID: "call-1"}
	c.Connect()

	if !c.ShouldIgnoreBYE(2 * time.Second) {
		t.Error("first BYE within grace window should be ignored")
	}
	if c.ShouldIgnoreBYE(2 * time.Second) {
		t.Error("second BYE should not be ignored")
	}
}

func TestCall_ShouldIgnoreBYE_OutsideGraceWindow(t *testing.T) {
	c := &Call{CallID: "call-1"}
	c.Connect()
	c.answeredAt = time.Now().Add(-10 * time.Second)

	if c.ShouldIgnoreBYE(2 * time.Second) {
		t.Error("BYE outside the grace window should not be ignored")
	}
}

func TestDTMFQueue_PushDrainOrder(t *testing.T) {
	c := &Call{CallID: "call-1"}
	q := c.DTMFQueue()

	q.Push('1')
	q.Push('2')
	q.Push('3')

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	digits := q.Drain()
	if string(digits) != "123" {
		t.Errorf("Drain = %q, want 123", digits)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", q.Len())
	}
}

type closeTrackingSession struct {
	closed bool
}

func (s *closeTrackingSession) Close() { s.closed = true }

func TestCall_EndClosesIVRSession(t *testing.T) {
	c := &Call{CallID: "call-1"}
	sess := &closeTrackingSession{}
	c.IVRSession = sess

	c.End("normal")

	if !sess.closed {
		t.Error("End should close an attached IVR session")
	}
	if c.IVRSession != nil {
		t.Error("End should clear the IVR session handle")
	}
}
