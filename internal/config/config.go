package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the PBX core.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	LogLevel  string
	LogFormat string

	SIPPort    int
	ExternalIP string // public IP for SDP rewriting (media proxy); auto-detected if empty

	RTPPortMin int
	RTPPortMax int

	InternalPattern string // regex matching internal extension numbers

	PromptDir              string
	VoicemailMaxRecordSecs int
	NoAnswerSecs           int

	DTMFPayloadType int
	DTMFDebounceMs  int

	ILBCMode int

	RegisterFailWindowSecs int
	RegisterFailThreshold  int
	RegisterBlockSecs      int

	// ExtensionsFile seeds the in-memory extension registry at startup.
	// Empty means no extensions are provisioned (an external registry
	// implementation is expected instead).
	ExtensionsFile string

	// MetricsPort serves Prometheus metrics over HTTP. Zero disables it.
	MetricsPort int
}

// defaults
const (
	defaultDataDir    = "./data"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	defaultSIPPort    = 5060
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000

	defaultInternalPattern = `^\d{4}$`

	defaultVoicemailMaxRecordSecs = 120
	defaultNoAnswerSecs           = 25

	defaultDTMFPayloadType = 101
	defaultDTMFDebounceMs  = 500

	defaultILBCMode = 30

	defaultRegisterFailWindowSecs = 60
	defaultRegisterFailThreshold  = 3
	defaultRegisterBlockSecs      = 300
)

// envPrefix is the prefix for all environment variables this module reads.
const envPrefix = "FLOWPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowpbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for recordings and prompt cache")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP rewriting (auto-detected if empty)")

	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media relay")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media relay")

	fs.StringVar(&cfg.InternalPattern, "internal-pattern", defaultInternalPattern, "regex matching internal extension numbers")

	fs.StringVar(&cfg.PromptDir, "prompt-dir", "", "directory of voicemail/IVR prompt WAV files (falls back to synthetic tones when empty or missing a file)")
	fs.IntVar(&cfg.VoicemailMaxRecordSecs, "voicemail-max-record-seconds", defaultVoicemailMaxRecordSecs, "maximum voicemail message/greeting recording length")
	fs.IntVar(&cfg.NoAnswerSecs, "no-answer-seconds", defaultNoAnswerSecs, "seconds to ring before diverting an unanswered call to voicemail")

	fs.IntVar(&cfg.DTMFPayloadType, "dtmf-payload-type", defaultDTMFPayloadType, "negotiated dynamic RTP payload type for RFC 2833 telephone-event")
	fs.IntVar(&cfg.DTMFDebounceMs, "dtmf-debounce-ms", defaultDTMFDebounceMs, "minimum gap before the same in-band DTMF digit can be reported again")

	fs.IntVar(&cfg.ILBCMode, "ilbc-mode", defaultILBCMode, "iLBC frame mode in milliseconds (20 or 30)")

	fs.IntVar(&cfg.RegisterFailWindowSecs, "register-fail-window-seconds", defaultRegisterFailWindowSecs, "sliding window over which failed REGISTER attempts are counted")
	fs.IntVar(&cfg.RegisterFailThreshold, "register-fail-threshold", defaultRegisterFailThreshold, "failed REGISTER attempts within the window before a source is blocked")
	fs.IntVar(&cfg.RegisterBlockSecs, "register-block-seconds", defaultRegisterBlockSecs, "duration a source is blocked after exceeding the fail threshold")

	fs.StringVar(&cfg.ExtensionsFile, "extensions-file", "", "JSON file seeding the in-memory extension registry")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", 0, "HTTP port for Prometheus metrics (0 disables)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":                     envPrefix + "DATA_DIR",
		"log-level":                    envPrefix + "LOG_LEVEL",
		"log-format":                   envPrefix + "LOG_FORMAT",
		"sip-port":                     envPrefix + "SIP_PORT",
		"external-ip":                  envPrefix + "EXTERNAL_IP",
		"rtp-port-min":                 envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":                 envPrefix + "RTP_PORT_MAX",
		"internal-pattern":             envPrefix + "INTERNAL_PATTERN",
		"prompt-dir":                   envPrefix + "PROMPT_DIR",
		"voicemail-max-record-seconds": envPrefix + "VOICEMAIL_MAX_RECORD_SECONDS",
		"no-answer-seconds":            envPrefix + "NO_ANSWER_SECONDS",
		"dtmf-payload-type":            envPrefix + "DTMF_PAYLOAD_TYPE",
		"dtmf-debounce-ms":             envPrefix + "DTMF_DEBOUNCE_MS",
		"ilbc-mode":                    envPrefix + "ILBC_MODE",
		"register-fail-window-seconds": envPrefix + "REGISTER_FAIL_WINDOW_SECONDS",
		"register-fail-threshold":      envPrefix + "REGISTER_FAIL_THRESHOLD",
		"register-block-seconds":       envPrefix + "REGISTER_BLOCK_SECONDS",
		"extensions-file":              envPrefix + "EXTENSIONS_FILE",
		"metrics-port":                 envPrefix + "METRICS_PORT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "internal-pattern":
			cfg.InternalPattern = val
		case "prompt-dir":
			cfg.PromptDir = val
		case "voicemail-max-record-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VoicemailMaxRecordSecs = v
			}
		case "no-answer-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.NoAnswerSecs = v
			}
		case "dtmf-payload-type":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DTMFPayloadType = v
			}
		case "dtmf-debounce-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DTMFDebounceMs = v
			}
		case "ilbc-mode":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ILBCMode = v
			}
		case "register-fail-window-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterFailWindowSecs = v
			}
		case "register-fail-threshold":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterFailThreshold = v
			}
		case "register-block-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterBlockSecs = v
			}
		case "extensions-file":
			cfg.ExtensionsFile = val
		case "metrics-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MetricsPort = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports; RTCP uses the next odd port.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	if _, err := regexp.Compile(c.InternalPattern); err != nil {
		return fmt.Errorf("internal-pattern is not a valid regex: %w", err)
	}

	if c.VoicemailMaxRecordSecs < 1 {
		return fmt.Errorf("voicemail-max-record-seconds must be positive, got %d", c.VoicemailMaxRecordSecs)
	}
	if c.NoAnswerSecs < 1 {
		return fmt.Errorf("no-answer-seconds must be positive, got %d", c.NoAnswerSecs)
	}

	if c.DTMFPayloadType < 96 || c.DTMFPayloadType > 127 {
		return fmt.Errorf("dtmf-payload-type must be a dynamic payload type (96-127), got %d", c.DTMFPayloadType)
	}
	if c.DTMFDebounceMs < 0 {
		return fmt.Errorf("dtmf-debounce-ms must not be negative, got %d", c.DTMFDebounceMs)
	}

	if c.ILBCMode != 20 && c.ILBCMode != 30 {
		return fmt.Errorf("ilbc-mode must be 20 or 30, got %d", c.ILBCMode)
	}

	if c.RegisterFailWindowSecs < 1 {
		return fmt.Errorf("register-fail-window-seconds must be positive, got %d", c.RegisterFailWindowSecs)
	}
	if c.RegisterFailThreshold < 1 {
		return fmt.Errorf("register-fail-threshold must be positive, got %d", c.RegisterFailThreshold)
	}
	if c.RegisterBlockSecs < 1 {
		return fmt.Errorf("register-block-seconds must be positive, got %d", c.RegisterBlockSecs)
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics-port must be between 0 and 65535, got %d", c.MetricsPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MediaIP returns the IP address to use in SDP for the media proxy.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4
// address. Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
