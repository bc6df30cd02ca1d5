// Package config loads runtime configuration for the voicedesk agent.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the agent.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPBind string
	HTTPPort int

	SIPServer      string // registrar/proxy address, host or host:port
	SIPUsername    string // address-of-record user part
	SIPAuthUser    string // digest auth username, defaults to SIPUsername
	SIPPassword    string
	SIPTransport   string // udp or tcp
	SIPListenPort  int
	SIPExpiry      int    // registration expiry in seconds
	MediaIPAddress string // IP advertised in SDP (auto-detected if empty)

	AgentName  string
	AutoRecord bool

	AudioCapture  string // raw PCM capture source (FIFO or device file)
	AudioPlayback string // raw PCM playback sink (FIFO or device file)

	CallLogURL    string // base URL of the CRM call-log service
	CallLogAPIKey string

	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for control API tokens
	LogLevel    string
	LogFormat   string // "text" or "json"
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPBind      = "127.0.0.1"
	defaultHTTPPort      = 8090
	defaultSIPTransport  = "udp"
	defaultSIPListenPort = 5070
	defaultSIPExpiry     = 300
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for all agent environment variables.
const envPrefix = "VOICEDESK_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicedesk", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for call history and recordings")
	fs.StringVar(&cfg.HTTPBind, "http-bind", defaultHTTPBind, "control API bind address")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.SIPServer, "sip-server", "", "SIP registrar address (host or host:port)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-user", "", "SIP digest auth username (defaults to sip-username)")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.IntVar(&cfg.SIPListenPort, "sip-listen-port", defaultSIPListenPort, "local SIP listen port")
	fs.IntVar(&cfg.SIPExpiry, "sip-expiry", defaultSIPExpiry, "registration expiry in seconds")
	fs.StringVar(&cfg.MediaIPAddress, "media-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.AgentName, "agent-name", "", "agent display name attached to recordings")
	fs.BoolVar(&cfg.AutoRecord, "auto-record", false, "start recording automatically when a call is answered")
	fs.StringVar(&cfg.AudioCapture, "audio-capture", "", "path to read raw 16-bit 8 kHz mono PCM from (FIFO or device)")
	fs.StringVar(&cfg.AudioPlayback, "audio-playback", "", "path to write raw 16-bit 8 kHz mono PCM to (FIFO or device)")
	fs.StringVar(&cfg.CallLogURL, "call-log-url", "", "base URL of the CRM call-log service")
	fs.StringVar(&cfg.CallLogAPIKey, "call-log-api-key", "", "API key for the CRM call-log service")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for control API tokens (auth disabled if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

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
		"data-dir":         envPrefix + "DATA_DIR",
		"http-bind":        envPrefix + "HTTP_BIND",
		"http-port":        envPrefix + "HTTP_PORT",
		"sip-server":       envPrefix + "SIP_SERVER",
		"sip-username":     envPrefix + "SIP_USERNAME",
		"sip-auth-user":    envPrefix + "SIP_AUTH_USER",
		"sip-password":     envPrefix + "SIP_PASSWORD",
		"sip-transport":    envPrefix + "SIP_TRANSPORT",
		"sip-listen-port":  envPrefix + "SIP_LISTEN_PORT",
		"sip-expiry":       envPrefix + "SIP_EXPIRY",
		"media-ip":         envPrefix + "MEDIA_IP",
		"agent-name":       envPrefix + "AGENT_NAME",
		"auto-record":      envPrefix + "AUTO_RECORD",
		"audio-capture":    envPrefix + "AUDIO_CAPTURE",
		"audio-playback":   envPrefix + "AUDIO_PLAYBACK",
		"call-log-url":     envPrefix + "CALL_LOG_URL",
		"call-log-api-key": envPrefix + "CALL_LOG_API_KEY",
		"cors-origins":     envPrefix + "CORS_ORIGINS",
		"jwt-secret":       envPrefix + "JWT_SECRET",
		"log-level":        envPrefix + "LOG_LEVEL",
		"log-format":       envPrefix + "LOG_FORMAT",
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
		case "http-bind":
			cfg.HTTPBind = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-server":
			cfg.SIPServer = val
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-auth-user":
			cfg.SIPAuthUser = val
		case "sip-password":
			cfg.SIPPassword = val
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-listen-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPListenPort = v
			}
		case "sip-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPExpiry = v
			}
		case "media-ip":
			cfg.MediaIPAddress = val
		case "agent-name":
			cfg.AgentName = val
		case "auto-record":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AutoRecord = v
			}
		case "audio-capture":
			cfg.AudioCapture = val
		case "audio-playback":
			cfg.AudioPlayback = val
		case "call-log-url":
			cfg.CallLogURL = val
		case "call-log-api-key":
			cfg.CallLogAPIKey = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPListenPort < 1 || c.SIPListenPort > 65535 {
		return fmt.Errorf("sip-listen-port must be between 1 and 65535, got %d", c.SIPListenPort)
	}
	if c.SIPExpiry < 60 || c.SIPExpiry > 86400 {
		return fmt.Errorf("sip-expiry must be between 60 and 86400, got %d", c.SIPExpiry)
	}

	transport := strings.ToLower(c.SIPTransport)
	if transport != "udp" && transport != "tcp" {
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	c.SIPTransport = transport

	if c.SIPServer != "" && c.SIPUsername == "" {
		return fmt.Errorf("sip-username is required when sip-server is set")
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

// RecordingsDir is where finished call recordings are written before
// they are uploaded.
func (c *Config) RecordingsDir() string {
	return filepath.Join(c.DataDir, "recordings")
}

// HTTPAddr is the control API listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPBind, strconv.Itoa(c.HTTPPort))
}

// AuthUser returns the digest auth username, falling back to the account
// username.
func (c *Config) AuthUser() string {
	if c.SIPAuthUser != "" {
		return c.SIPAuthUser
	}
	return c.SIPUsername
}

// JWTSecretBytes returns the decoded 32-byte control API signing secret,
// or nil if auth is disabled.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// GenerateJWTSecret creates a random hex-encoded 32-byte secret. Used by
// deployments that want auth without managing a shared secret by hand.
func GenerateJWTSecret() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// MediaIP returns the IP address to advertise in SDP. If MediaIPAddress
// is configured, it is returned directly. Otherwise the function attempts
// to detect the machine's primary non-loopback IPv4 address. Falls back
// to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.MediaIPAddress != "" {
		return c.MediaIPAddress
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
