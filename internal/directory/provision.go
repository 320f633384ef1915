package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// provisionFile is the on-disk JSON shape for standalone provisioning.
// Real deployments provision extensions out of band through their own
// ExtensionRegistry implementation; this file format only feeds the
// in-memory reference registry.
type provisionFile struct {
	Realm      string               `json:"realm"`
	Extensions []provisionExtension `json:"extensions"`
}

type provisionExtension struct {
	Number        string `json:"number"`
	Name          string `json:"name"`
	SIPUsername   string `json:"sip_username"`
	SIPPassword   string `json:"sip_password"`
	VoicemailPIN  string `json:"voicemail_pin"`
	DND           bool   `json:"dnd"`
	RecordingMode string `json:"recording_mode"`
	RetentionDays int    `json:"voicemail_retention_days"`
}

// LoadProvisionFile reads a provisioning JSON file and seeds the given
// registry and voicemail store. Plaintext secrets in the file are
// converted at load time: the SIP password becomes a digest HA1 plus an
// argon2id hash, the voicemail PIN an argon2id hash; neither plaintext
// is retained in memory.
func LoadProvisionFile(path string, registry *MemoryRegistry, vm *MemoryVoicemail) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading provision file: %w", err)
	}

	var pf provisionFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return 0, fmt.Errorf("parsing provision file: %w", err)
	}
	realm := pf.Realm
	if realm == "" {
		realm = "flowpbx"
	}

	for i, pe := range pf.Extensions {
		if pe.Number == "" {
			return i, fmt.Errorf("extension %d has no number", i)
		}
		username := pe.SIPUsername
		if username == "" {
			username = pe.Number
		}

		ext := Extension{
			Number:        pe.Number,
			Name:          pe.Name,
			SIPUsername:   username,
			DND:           pe.DND,
			RecordingMode: pe.RecordingMode,
			VoicemailBox:  pe.Number,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}

		if pe.SIPPassword != "" {
			ext.SIPPasswordHA1 = ComputeHA1(username, realm, pe.SIPPassword)
			hash, err := HashSecret(pe.SIPPassword)
			if err != nil {
				return i, fmt.Errorf("hashing password for %s: %w", pe.Number, err)
			}
			ext.SIPPasswordHash = hash
		}

		registry.Put(ext)

		if vm != nil {
			mb := Mailbox{
				Number:            pe.Number,
				OwnerExtension:    pe.Number,
				MaxMessageSeconds: 120,
				MaxMessages:       100,
				RetentionDays:     pe.RetentionDays,
			}
			if pe.VoicemailPIN != "" {
				pinHash, err := HashSecret(pe.VoicemailPIN)
				if err != nil {
					return i, fmt.Errorf("hashing pin for %s: %w", pe.Number, err)
				}
				mb.PINHash = pinHash
			}
			vm.Put(mb)
		}
	}

	return len(pf.Extensions), nil
}
