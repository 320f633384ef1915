// Package voicemail implements the voicemail subsystem: message
// deposit (record-after-greeting when a call goes unanswered) and the
// DTMF-driven access IVR (PIN entry, message playback, greeting
// management). Recorded audio arrives as raw G.711 RTP payloads from
// the caller leg and leaves as WAV files handed to the voicemail sink;
// the sink's persistence strategy is opaque to this package.
package voicemail

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/flowpbx-core/internal/directory"
	"github.com/flowpbx/flowpbx-core/internal/media"
	"github.com/flowpbx/flowpbx-core/internal/prompts"
)

// Config carries the voicemail subsystem's tunables, mapped from the
// features.voicemail.* and features.dtmf.* configuration keys.
type Config struct {
	// DataDir is where recorded message/greeting WAV files land.
	DataDir string

	// MaxRecordSeconds caps a single message or greeting recording.
	MaxRecordSeconds int

	// DTMFPayloadType is the negotiated RFC 2833 dynamic payload type.
	DTMFPayloadType int

	// DebounceMs suppresses a repeated in-band detection of the same
	// digit inside this window.
	DebounceMs int

	// InactivityTimeout ends an idle IVR session. Zero means the
	// 60-second default.
	InactivityTimeout time.Duration
}

func (c Config) inactivity() time.Duration {
	if c.InactivityTimeout > 0 {
		return c.InactivityTimeout
	}
	return 60 * time.Second
}

func (c Config) maxRecord() time.Duration {
	if c.MaxRecordSeconds > 0 {
		return time.Duration(c.MaxRecordSeconds) * time.Second
	}
	return 120 * time.Second
}

func (c Config) debounce() time.Duration {
	if c.DebounceMs > 0 {
		return time.Duration(c.DebounceMs) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// Service is the voicemail subsystem: it owns the sink boundary, the
// prompt resolver, and the on-disk layout of recorded audio, and it
// spawns IVR sessions for individual calls.
type Service struct {
	sink    directory.VoicemailSink
	prompts *prompts.Resolver
	cfg     Config
	logger  *slog.Logger
}

// NewService creates the voicemail service.
func NewService(sink directory.VoicemailSink, resolver *prompts.Resolver, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		sink:    sink,
		prompts: resolver,
		cfg:     cfg,
		logger:  logger.With("component", "voicemail"),
	}
}

// SaveMessage wraps a recorded G.711 payload as WAV, writes it under
// the data directory, and registers it with the voicemail sink. Returns
// the stored message.
func (s *Service) SaveMessage(ctx context.Context, mailbox, callerIDName, callerIDNum string, payload []byte, payloadType int) (*directory.Message, error) {
	wav, err := media.WrapWAV(payload, payloadType)
	if err != nil {
		return nil, fmt.Errorf("wrapping recording as wav: %w", err)
	}

	dir := filepath.Join(s.cfg.DataDir, "voicemail", mailbox)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating mailbox directory: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(dir, "msg_"+id+".wav")
	if err := os.WriteFile(path, wav, 0640); err != nil {
		return nil, fmt.Errorf("writing voicemail file: %w", err)
	}

	msg := directory.Message{
		ID:            id,
		MailboxNumber: mailbox,
		CallerIDName:  callerIDName,
		CallerIDNum:   callerIDNum,
		Timestamp:     time.Now(),
		DurationSec:   media.G711DurationSeconds(len(payload)),
		FilePath:      path,
	}

	if err := s.sink.SaveMessage(ctx, msg); err != nil {
		// The sink is the system of record; an orphaned file is worse
		// than no file.
		os.Remove(path)
		return nil, fmt.Errorf("saving message to sink: %w", err)
	}

	s.logger.Info("voicemail message saved",
		"mailbox", mailbox,
		"message_id", id,
		"caller", callerIDNum,
		"duration_secs", msg.DurationSec,
	)
	return &msg, nil
}

// SaveGreeting wraps a recorded greeting as WAV, writes it under the
// mailbox's directory, and commits it via the sink.
func (s *Service) SaveGreeting(ctx context.Context, mailbox string, payload []byte, payloadType int) (string, error) {
	wav, err := media.WrapWAV(payload, payloadType)
	if err != nil {
		return "", fmt.Errorf("wrapping greeting as wav: %w", err)
	}

	dir := filepath.Join(s.cfg.DataDir, "voicemail", mailbox)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("creating mailbox directory: %w", err)
	}

	path := filepath.Join(dir, "greeting.wav")
	if err := os.WriteFile(path, wav, 0640); err != nil {
		return "", fmt.Errorf("writing greeting file: %w", err)
	}

	if err := s.sink.SetGreeting(ctx, mailbox, path); err != nil {
		return "", fmt.Errorf("committing greeting to sink: %w", err)
	}

	s.logger.Info("mailbox greeting updated", "mailbox", mailbox, "path", path)
	return path, nil
}

// GreetingPath returns the playable greeting for a mailbox: its custom
// recording if set, otherwise the default system greeting prompt.
// ok=false means neither exists and the caller should use the
// resolver's synthetic fallback.
func (s *Service) GreetingPath(ctx context.Context, mailbox string) (path string, ok bool) {
	mb, err := s.sink.Mailbox(ctx, mailbox)
	if err == nil && mb != nil && mb.GreetingPath != "" {
		if _, statErr := os.Stat(mb.GreetingPath); statErr == nil {
			return mb.GreetingPath, true
		}
	}
	return s.prompts.Lookup(prompts.DefaultGreeting)
}
