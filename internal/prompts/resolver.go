package prompts

import (
	"os"
	"path/filepath"

	"github.com/flowpbx/flowpbx-core/internal/media"
)

// Resolver maps symbolic prompt names to playable WAV files. Lookup
// order: the operator-configured prompt directory (real recordings),
// then the system set extracted from the embedded defaults. When a
// prompt exists in neither, Fallback supplies a synthetic tone so menus
// remain navigable.
type Resolver struct {
	promptDir string
	systemDir string
}

// NewResolver creates a resolver over the configured prompt directory
// (may be empty) and the data directory the system set was extracted to.
func NewResolver(promptDir, dataDir string) *Resolver {
	return &Resolver{
		promptDir: promptDir,
		systemDir: SystemDir(dataDir),
	}
}

// Lookup returns the path of the WAV file for the named prompt, or
// ok=false when no playable file is provisioned under that name. A file
// that exists but is not valid 8 kHz mono G.711 is skipped the same as
// a missing one, so a bad upload degrades to the system prompt (or the
// synthetic fallback) instead of a dead menu.
func (r *Resolver) Lookup(name string) (path string, ok bool) {
	if r.promptDir != "" {
		p := filepath.Join(r.promptDir, name+".wav")
		if playable(p) {
			return p, true
		}
	}
	p := filepath.Join(r.systemDir, name+".wav")
	if playable(p) {
		return p, true
	}
	return "", false
}

func playable(path string) bool {
	if !fileExists(path) {
		return false
	}
	_, _, err := media.ValidateWAVFile(path)
	return err == nil
}

// Fallback returns a complete synthetic WAV image for the named prompt.
// Beeps stay beeps; everything else becomes a short double tone — audibly
// wrong enough that a missing recording gets noticed, but the IVR still
// responds to input.
func (r *Resolver) Fallback(name string) []byte {
	if name == Beep {
		return media.BeepWAV()
	}

	payload := append(media.GenerateToneUlaw(440, 200), media.SilenceUlaw(100)...)
	payload = append(payload, media.GenerateToneUlaw(620, 200)...)
	wav, _ := media.WrapWAV(payload, media.PayloadPCMU)
	return wav
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
