package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"FLOWPBX_DATA_DIR", "FLOWPBX_LOG_LEVEL", "FLOWPBX_LOG_FORMAT",
		"FLOWPBX_SIP_PORT", "FLOWPBX_EXTERNAL_IP",
		"FLOWPBX_RTP_PORT_MIN", "FLOWPBX_RTP_PORT_MAX",
		"FLOWPBX_INTERNAL_PATTERN", "FLOWPBX_PROMPT_DIR",
		"FLOWPBX_VOICEMAIL_MAX_RECORD_SECONDS", "FLOWPBX_NO_ANSWER_SECONDS",
		"FLOWPBX_DTMF_PAYLOAD_TYPE", "FLOWPBX_DTMF_DEBOUNCE_MS", "FLOWPBX_ILBC_MODE",
		"FLOWPBX_REGISTER_FAIL_WINDOW_SECONDS", "FLOWPBX_REGISTER_FAIL_THRESHOLD",
		"FLOWPBX_REGISTER_BLOCK_SECONDS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.RTPPortMin != defaultRTPPortMin || cfg.RTPPortMax != defaultRTPPortMax {
		t.Errorf("RTP range = %d-%d, want %d-%d", cfg.RTPPortMin, cfg.RTPPortMax, defaultRTPPortMin, defaultRTPPortMax)
	}
	if cfg.InternalPattern != defaultInternalPattern {
		t.Errorf("InternalPattern = %q, want %q", cfg.InternalPattern, defaultInternalPattern)
	}
	if cfg.VoicemailMaxRecordSecs != defaultVoicemailMaxRecordSecs {
		t.Errorf("VoicemailMaxRecordSecs = %d, want %d", cfg.VoicemailMaxRecordSecs, defaultVoicemailMaxRecordSecs)
	}
	if cfg.NoAnswerSecs != defaultNoAnswerSecs {
		t.Errorf("NoAnswerSecs = %d, want %d", cfg.NoAnswerSecs, defaultNoAnswerSecs)
	}
	if cfg.DTMFPayloadType != defaultDTMFPayloadType {
		t.Errorf("DTMFPayloadType = %d, want %d", cfg.DTMFPayloadType, defaultDTMFPayloadType)
	}
	if cfg.DTMFDebounceMs != defaultDTMFDebounceMs {
		t.Errorf("DTMFDebounceMs = %d, want %d", cfg.DTMFDebounceMs, defaultDTMFDebounceMs)
	}
	if cfg.ILBCMode != defaultILBCMode {
		t.Errorf("ILBCMode = %d, want %d", cfg.ILBCMode, defaultILBCMode)
	}
	if cfg.RegisterFailWindowSecs != defaultRegisterFailWindowSecs {
		t.Errorf("RegisterFailWindowSecs = %d, want %d", cfg.RegisterFailWindowSecs, defaultRegisterFailWindowSecs)
	}
	if cfg.RegisterFailThreshold != defaultRegisterFailThreshold {
		t.Errorf("RegisterFailThreshold = %d, want %d", cfg.RegisterFailThreshold, defaultRegisterFailThreshold)
	}
	if cfg.RegisterBlockSecs != defaultRegisterBlockSecs {
		t.Errorf("RegisterBlockSecs = %d, want %d", cfg.RegisterBlockSecs, defaultRegisterBlockSecs)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx"}
	t.Setenv("FLOWPBX_SIP_PORT", "5070")
	t.Setenv("FLOWPBX_DATA_DIR", "/tmp/flowpbx-test")
	t.Setenv("FLOWPBX_LOG_LEVEL", "debug")
	t.Setenv("FLOWPBX_NO_ANSWER_SECONDS", "15")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want 5070", cfg.SIPPort)
	}
	if cfg.DataDir != "/tmp/flowpbx-test" {
		t.Errorf("DataDir = %q, want /tmp/flowpbx-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.NoAnswerSecs != 15 {
		t.Errorf("NoAnswerSecs = %d, want 15", cfg.NoAnswerSecs)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--sip-port", "5080", "--log-level", "warn"}
	t.Setenv("FLOWPBX_SIP_PORT", "5070")
	t.Setenv("FLOWPBX_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != 5080 {
		t.Errorf("SIPPort = %d, want 5080 (CLI should override env)", cfg.SIPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--sip-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateRTPRangeOddMin(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--rtp-port-min", "10001"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for an odd rtp-port-min")
	}
}

func TestValidateRTPRangeInverted(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--rtp-port-min", "20000", "--rtp-port-max", "10000"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when rtp-port-max <= rtp-port-min")
	}
}

func TestValidateInvalidInternalPattern(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--internal-pattern", "(unclosed"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for an invalid internal-pattern regex")
	}
}

func TestValidateInvalidILBCMode(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--ilbc-mode", "25"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for an ilbc-mode other than 20 or 30")
	}
}

func TestValidateInvalidDTMFPayloadType(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"flowpbx", "--dtmf-payload-type", "5"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for a dtmf-payload-type outside the dynamic range")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
