package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-memory ExtensionRegistry. It is the default
// wired into cmd/flowpbx when no external provisioning source is
// configured, and is what the test suite exercises against.
type MemoryRegistry struct {
	mu         sync.RWMutex
	extensions map[string]*Extension    // by number
	byUsername map[string]string        // sip username -> number
	bindings   map[string]*Registration // by number
}

// NewMemoryRegistry creates an empty registry. Use Put to seed extensions.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		extensions: make(map[string]*Extension),
		byUsername: make(map[string]string),
		bindings:   make(map[string]*Registration),
	}
}

// Put adds or replaces a provisioned extension.
func (r *MemoryRegistry) Put(ext Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := ext
	r.extensions[ext.Number] = &cp
	if ext.SIPUsername != "" {
		r.byUsername[ext.SIPUsername] = ext.Number
	}
}

func (r *MemoryRegistry) Lookup(_ context.Context, number string) (*Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.extensions[number]
	if !ok {
		return nil, nil
	}
	cp := *ext
	return &cp, nil
}

func (r *MemoryRegistry) LookupBySIPUsername(_ context.Context, username string) (*Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	number, ok := r.byUsername[username]
	if !ok {
		return nil, nil
	}
	ext := r.extensions[number]
	cp := *ext
	return &cp, nil
}

// Bind replaces the extension's current binding. Only one binding may
// be active per extension at a time: a new REGISTER overwrites the
// old one rather than adding a second device.
func (r *MemoryRegistry) Bind(_ context.Context, reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.extensions[reg.Extension]; !ok {
		return fmt.Errorf("binding unknown extension %q", reg.Extension)
	}
	cp := reg
	r.bindings[reg.Extension] = &cp
	return nil
}

func (r *MemoryRegistry) Unbind(_ context.Context, number string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, number)
	return nil
}

func (r *MemoryRegistry) Binding(_ context.Context, number string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[number]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// ExpireStale removes bindings whose Expires time has passed. Called
// periodically by the registrar's expiry sweep.
func (r *MemoryRegistry) ExpireStale(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	removed := 0
	for number, b := range r.bindings {
		if now.After(b.Expires) {
			delete(r.bindings, number)
			removed++
		}
	}
	return removed, nil
}

// BindingCount returns the number of live bindings, for metrics.
func (r *MemoryRegistry) BindingCount(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.bindings)), nil
}

// MemoryVoicemail is an in-memory VoicemailSink reference implementation.
type MemoryVoicemail struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	messages  map[string][]Message // by mailbox number
}

func NewMemoryVoicemail() *MemoryVoicemail {
	return &MemoryVoicemail{
		mailboxes: make(map[string]*Mailbox),
		messages:  make(map[string][]Message),
	}
}

func (v *MemoryVoicemail) Put(mb Mailbox) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := mb
	v.mailboxes[mb.Number] = &cp
}

func (v *MemoryVoicemail) Mailbox(_ context.Context, number string) (*Mailbox, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	mb, ok := v.mailboxes[number]
	if !ok {
		return nil, nil
	}
	cp := *mb
	return &cp, nil
}

func (v *MemoryVoicemail) SetGreeting(_ context.Context, number, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	mb, ok := v.mailboxes[number]
	if !ok {
		return fmt.Errorf("unknown mailbox %q", number)
	}
	mb.GreetingPath = path
	return nil
}

func (v *MemoryVoicemail) SaveMessage(_ context.Context, msg Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	v.messages[msg.MailboxNumber] = append(v.messages[msg.MailboxNumber], msg)
	return nil
}

func (v *MemoryVoicemail) Messages(_ context.Context, mailboxNumber string) ([]Message, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	msgs := v.messages[mailboxNumber]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (v *MemoryVoicemail) MarkRead(_ context.Context, mailboxNumber, messageID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	msgs := v.messages[mailboxNumber]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Read = true
			now := time.Now()
			msgs[i].ReadAt = &now
			return nil
		}
	}
	return fmt.Errorf("message %q not found in mailbox %q", messageID, mailboxNumber)
}

func (v *MemoryVoicemail) DeleteMessage(_ context.Context, mailboxNumber, messageID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	msgs := v.messages[mailboxNumber]
	for i := range msgs {
		if msgs[i].ID == messageID {
			v.messages[mailboxNumber] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteExpired removes messages older than their mailbox's
// RetentionDays setting and returns the removed messages so the
// caller can clean up their backing audio files.
func (v *MemoryVoicemail) DeleteExpired(_ context.Context) ([]Message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var expired []Message
	now := time.Now()
	for mailboxNumber, msgs := range v.messages {
		mb, ok := v.mailboxes[mailboxNumber]
		if !ok || mb.RetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -mb.RetentionDays)
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Timestamp.Before(cutoff) {
				expired = append(expired, m)
				continue
			}
			kept = append(kept, m)
		}
		v.messages[mailboxNumber] = kept
	}
	return expired, nil
}

// CountAll returns the total stored message count, for metrics.
func (v *MemoryVoicemail) CountAll(_ context.Context) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var n int64
	for _, msgs := range v.messages {
		n += int64(len(msgs))
	}
	return n, nil
}

// MemoryCDR is an in-memory CDRSink reference implementation. A real
// deployment wires a persistence-backed sink from outside this module;
// this one exists so the call manager always has somewhere to record to.
type MemoryCDR struct {
	mu      sync.Mutex
	records []CDRRecord
}

func NewMemoryCDR() *MemoryCDR {
	return &MemoryCDR{}
}

func (c *MemoryCDR) Record(_ context.Context, rec CDRRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *MemoryCDR) CountByDirection(_ context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int64)
	for _, r := range c.records {
		counts[r.Direction]++
	}
	return counts, nil
}
