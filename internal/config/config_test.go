package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"VOICEDESK_DATA_DIR", "VOICEDESK_HTTP_BIND", "VOICEDESK_HTTP_PORT",
		"VOICEDESK_SIP_SERVER", "VOICEDESK_SIP_USERNAME", "VOICEDESK_SIP_PASSWORD",
		"VOICEDESK_SIP_TRANSPORT", "VOICEDESK_SIP_LISTEN_PORT", "VOICEDESK_SIP_EXPIRY",
		"VOICEDESK_AGENT_NAME", "VOICEDESK_AUTO_RECORD", "VOICEDESK_CALL_LOG_URL",
		"VOICEDESK_LOG_LEVEL", "VOICEDESK_LOG_FORMAT", "VOICEDESK_JWT_SECRET",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"voicedesk"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPBind != defaultHTTPBind {
		t.Errorf("HTTPBind = %q, want %q", cfg.HTTPBind, defaultHTTPBind)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPTransport != defaultSIPTransport {
		t.Errorf("SIPTransport = %q, want %q", cfg.SIPTransport, defaultSIPTransport)
	}
	if cfg.SIPExpiry != defaultSIPExpiry {
		t.Errorf("SIPExpiry = %d, want %d", cfg.SIPExpiry, defaultSIPExpiry)
	}
	if cfg.AutoRecord {
		t.Error("AutoRecord = true, want false")
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"voicedesk"}
	t.Setenv("VOICEDESK_HTTP_PORT", "9090")
	t.Setenv("VOICEDESK_SIP_SERVER", "pbx.example.com")
	t.Setenv("VOICEDESK_SIP_USERNAME", "1001")
	t.Setenv("VOICEDESK_AUTO_RECORD", "true")
	t.Setenv("VOICEDESK_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.SIPServer != "pbx.example.com" {
		t.Errorf("SIPServer = %q", cfg.SIPServer)
	}
	if !cfg.AutoRecord {
		t.Error("AutoRecord = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"voicedesk", "-http-port", "7070"}
	t.Setenv("VOICEDESK_HTTP_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070 (CLI flag wins)", cfg.HTTPPort)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"voicedesk", "-http-port", "0"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidateMissingUsername(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"voicedesk", "-sip-server", "pbx.example.com"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for sip-server without sip-username")
	}
}

func TestValidateInvalidTransport(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"voicedesk", "-sip-transport", "sctp"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid transport")
	}
}

func TestAuthUserFallback(t *testing.T) {
	cfg := &Config{SIPUsername: "1001"}
	if got := cfg.AuthUser(); got != "1001" {
		t.Errorf("AuthUser = %q, want 1001", got)
	}
	cfg.SIPAuthUser = "1001-auth"
	if got := cfg.AuthUser(); got != "1001-auth" {
		t.Errorf("AuthUser = %q, want 1001-auth", got)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil || key != nil {
		t.Fatalf("empty secret: key=%v err=%v", key, err)
	}

	secret, err := GenerateJWTSecret()
	if err != nil {
		t.Fatalf("GenerateJWTSecret: %v", err)
	}
	cfg.JWTSecret = secret
	key, err = cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	cfg.JWTSecret = "abcd"
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg := &Config{LogLevel: level}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}
