// Package prompts provides the voicemail IVR's audio prompt set and the
// name-to-file resolution the media player uses. Prompts are G.711
// u-law WAV files (8kHz, mono, 8-bit) suitable for direct RTP playback
// without transcoding.
//
// The embedded prompts are extracted to the data directory on first
// boot so they can be served by the media player. A deployment replaces
// them by pointing prompt-dir at a directory of real voice recordings;
// any prompt missing from both locations falls back to a synthetic tone
// so the IVR stays navigable on a bare install.
package prompts

import "embed"

// Symbolic prompt names the voicemail IVR requests. Each resolves to
// <name>.wav in the prompt directory or the extracted system set.
const (
	EnterPin        = "enter_pin"
	InvalidPin      = "invalid_pin"
	MainMenu        = "main_menu"
	Options         = "options"
	Beep            = "beep"
	GreetingReview  = "greeting_review_menu"
	Goodbye         = "goodbye"
	Error           = "error"
	DefaultGreeting = "default_voicemail_greeting"
)

// SystemFS holds the default system audio prompts embedded in the binary.
// Files are under system/ (e.g. system/enter_pin.wav).
//
//go:embed system/*.wav
var SystemFS embed.FS

// SystemPrompts lists the filenames of all default system prompts.
// These are extracted to $DATA_DIR/prompts/system/ on first boot.
var SystemPrompts = []string{
	EnterPin + ".wav",
	InvalidPin + ".wav",
	MainMenu + ".wav",
	Options + ".wav",
	Beep + ".wav",
	GreetingReview + ".wav",
	Goodbye + ".wav",
	Error + ".wav",
	DefaultGreeting + ".wav",
}
