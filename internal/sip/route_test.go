package sip

import "testing"

func TestClassify(t *testing.T) {
	const internalPattern = `^\d{4}$`

	tests := []struct {
		name        string
		destination string
		wantKind    RouteKind
		wantMailbox string
	}{
		{"voicemail access", "*1001", RouteKindVoicemailAccess, "1001"},
		{"emergency 911", "911", RouteKindEmergency, ""},
		{"emergency 9911", "9911", RouteKindEmergency, ""},
		{"auto attendant", "0", RouteKindAutoAttendant, ""},
		{"parking slot", "71", RouteKindParking, ""},
		{"parking slot other digit", "79", RouteKindParking, ""},
		{"queue", "8100", RouteKindQueue, ""},
		{"internal extension", "1001", RouteKindInternal, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.destination, internalPattern)
			if err != nil {
				t.Fatalf("Classify(%q) error: %v", tt.destination, err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Classify(%q).Kind = %v, want %v", tt.destination, got.Kind, tt.wantKind)
			}
			if got.MailboxExtension != tt.wantMailbox {
				t.Errorf("Classify(%q).MailboxExtension = %q, want %q", tt.destination, got.MailboxExtension, tt.wantMailbox)
			}
		})
	}
}

func TestClassify_NoMatch(t *testing.T) {
	_, err := Classify("abc", `^\d{4}$`)
	if err != ErrRouteNotFound {
		t.Errorf("Classify(\"abc\") error = %v, want ErrRouteNotFound", err)
	}
}

func TestClassify_OrderingVoicemailBeforeInternal(t *testing.T) {
	// A destination like "*1001" must classify as voicemail access, not
	// accidentally match any other rule first.
	got, err := Classify("*1001", `^\d{4}$`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != RouteKindVoicemailAccess {
		t.Errorf("Kind = %v, want RouteKindVoicemailAccess", got.Kind)
	}
}

func TestClassify_CustomInternalPattern(t *testing.T) {
	got, err := Classify("12345", `^\d{5}$`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != RouteKindInternal {
		t.Errorf("Kind = %v, want RouteKindInternal with a custom 5-digit pattern", got.Kind)
	}
}
