package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProvisionFile(t *testing.T) {
	content := `{
  "realm": "flowpbx",
  "extensions": [
    {"number": "1001", "name": "Alice", "sip_password": "secret1", "voicemail_pin": "1234"},
    {"number": "1002", "name": "Bob", "sip_username": "bob", "sip_password": "secret2", "dnd": true}
  ]
}`
	path := filepath.Join(t.TempDir(), "extensions.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	registry := NewMemoryRegistry()
	vm := NewMemoryVoicemail()

	n, err := LoadProvisionFile(path, registry, vm)
	if err != nil {
		t.Fatalf("LoadProvisionFile: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d extensions, want 2", n)
	}

	ctx := context.Background()

	alice, err := registry.Lookup(ctx, "1001")
	if err != nil || alice == nil {
		t.Fatalf("lookup 1001: %v", err)
	}
	if alice.SIPUsername != "1001" {
		t.Errorf("SIPUsername defaults to number, got %q", alice.SIPUsername)
	}
	if alice.SIPPasswordHA1 != ComputeHA1("1001", "flowpbx", "secret1") {
		t.Error("HA1 not derived from the provisioned password")
	}
	if alice.SIPPasswordHash == "" {
		t.Error("password hash not set")
	}
	if ok, _ := CheckSecret("secret1", alice.SIPPasswordHash); !ok {
		t.Error("password hash does not verify the provisioned password")
	}

	bob, _ := registry.LookupBySIPUsername(ctx, "bob")
	if bob == nil || bob.Number != "1002" {
		t.Fatalf("lookup by username bob = %+v", bob)
	}
	if !bob.DND {
		t.Error("dnd flag not carried through")
	}

	mb, err := vm.Mailbox(ctx, "1001")
	if err != nil || mb == nil {
		t.Fatalf("mailbox 1001: %v", err)
	}
	if ok, _ := CheckSecret("1234", mb.PINHash); !ok {
		t.Error("pin hash does not verify the provisioned pin")
	}
}

func TestLoadProvisionFileRejectsMissingNumber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extensions.json")
	os.WriteFile(path, []byte(`{"extensions":[{"name":"nobody"}]}`), 0600)

	if _, err := LoadProvisionFile(path, NewMemoryRegistry(), nil); err == nil {
		t.Error("expected error for extension without a number")
	}
}

func TestLoadProvisionFileMissingFile(t *testing.T) {
	if _, err := LoadProvisionFile("/nonexistent/path.json", NewMemoryRegistry(), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
