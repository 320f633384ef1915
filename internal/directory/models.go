// Package directory defines the external-collaborator interfaces this
// module depends on (extension provisioning, voicemail storage, CDR
// sinks) and ships an in-memory reference implementation of each,
// suitable for standalone operation and for tests. A real deployment is
// expected to supply its own persistence-backed implementation from
// outside this module.
package directory

import "time"

// Extension is a provisioned PBX user.
type Extension struct {
	Number          string
	Name            string
	SIPUsername     string
	SIPPasswordHash string // argon2id encoded; verifies the web/API-facing secret
	SIPPasswordHA1  string // MD5(username:realm:password), hex-encoded; used for RFC 2617 digest auth
	DND             bool
	RecordingMode   string // "none" | "all" | "on-demand"
	VoicemailBox    string // mailbox number, usually == Number
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Registration is the single active binding for an extension. Per this
// module's call-routing invariant an extension holds at most one
// binding at a time; a new REGISTER replaces the prior one.
type Registration struct {
	Extension    string
	ContactURI   string
	Transport    string
	UserAgent    string
	SourceIP     string
	SourcePort   int
	Expires      time.Time
	RegisteredAt time.Time
}

// Mailbox is a voicemail box's configuration.
type Mailbox struct {
	Number            string
	OwnerExtension    string
	PINHash           string // argon2id encoded
	GreetingPath      string // empty => use default system greeting
	MaxMessageSeconds int
	MaxMessages       int
	RetentionDays     int
}

// Message is a single recorded voicemail message.
type Message struct {
	ID            string
	MailboxNumber string
	CallerIDName  string
	CallerIDNum   string
	Timestamp     time.Time
	DurationSec   int
	FilePath      string
	Read          bool
	ReadAt        *time.Time
}

// CDRRecord is a single completed call's detail record.
type CDRRecord struct {
	CallID        string
	StartTime     time.Time
	AnswerTime    *time.Time
	EndTime       *time.Time
	CallerIDName  string
	CallerIDNum   string
	Callee        string
	Direction     string // "internal" | "inbound" | "outbound"
	Disposition   string // "answered" | "no-answer" | "busy" | "failed"
	HangupCause   string
	RecordingPath string
}
