package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Bearer-token verification secret (HS256).
	AuthSecret string

	DatabaseURL string

	// Credential provider: age-encrypted secrets file plus identity.
	// Both optional; UpstreamAPIKey is the process-level fallback.
	SecretsFile         string
	SecretsIdentityFile string
	UpstreamAPIKey      string

	UpstreamURL         string
	UpstreamModel       string
	UpstreamDialTimeout time.Duration

	// Session policy.
	DailyVoiceMinutes    float64
	MaxSessionDuration   time.Duration
	SessionWarningBefore time.Duration
	DurationPollInterval time.Duration
	IdleTimeout          time.Duration
	IdleSweepInterval    time.Duration

	// Client socket handling.
	ClientReadLimitBytes int64
	WriteTimeout         time.Duration
	PingInterval         time.Duration

	// Fixed upstream session parameters.
	Voice              string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPaddingMS int
	VADSilenceMS       int

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICE_RELAY_ADDR", ":8080"),
		AuthSecret:           strings.TrimSpace(os.Getenv("VOICE_RELAY_AUTH_SECRET")),
		DatabaseURL:          strings.TrimSpace(os.Getenv("VOICE_RELAY_DATABASE_URL")),
		SecretsFile:          strings.TrimSpace(os.Getenv("VOICE_RELAY_SECRETS_FILE")),
		SecretsIdentityFile:  strings.TrimSpace(os.Getenv("VOICE_RELAY_SECRETS_IDENTITY_FILE")),
		UpstreamAPIKey:       strings.TrimSpace(os.Getenv("VOICE_RELAY_UPSTREAM_API_KEY")),
		UpstreamURL:          envOr("VOICE_RELAY_UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamModel:        envOr("VOICE_RELAY_UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		UpstreamDialTimeout:  envDurationOr("VOICE_RELAY_UPSTREAM_DIAL_TIMEOUT", 15*time.Second),
		DailyVoiceMinutes:    envFloat64Or("VOICE_RELAY_DAILY_VOICE_MINUTES", 60),
		MaxSessionDuration:   envDurationOr("VOICE_RELAY_MAX_SESSION_DURATION", 10*time.Minute),
		SessionWarningBefore: envDurationOr("VOICE_RELAY_SESSION_WARNING_BEFORE", 2*time.Minute),
		DurationPollInterval: envDurationOr("VOICE_RELAY_DURATION_POLL_INTERVAL", 10*time.Second),
		IdleTimeout:          envDurationOr("VOICE_RELAY_IDLE_TIMEOUT", 5*time.Minute),
		IdleSweepInterval:    envDurationOr("VOICE_RELAY_IDLE_SWEEP_INTERVAL", 60*time.Second),
		ClientReadLimitBytes: envInt64Or("VOICE_RELAY_CLIENT_READ_LIMIT_BYTES", 1<<20),
		WriteTimeout:         envDurationOr("VOICE_RELAY_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:         envDurationOr("VOICE_RELAY_PING_INTERVAL", 20*time.Second),
		Voice:                envOr("VOICE_RELAY_VOICE", "alloy"),
		InputAudioFormat:     envOr("VOICE_RELAY_INPUT_AUDIO_FORMAT", "pcm16"),
		OutputAudioFormat:    envOr("VOICE_RELAY_OUTPUT_AUDIO_FORMAT", "pcm16"),
		TranscriptionModel:   envOr("VOICE_RELAY_TRANSCRIPTION_MODEL", "whisper-1"),
		VADThreshold:         envFloat64Or("VOICE_RELAY_VAD_THRESHOLD", 0.5),
		VADPrefixPaddingMS:   envIntOr("VOICE_RELAY_VAD_PREFIX_PADDING_MS", 300),
		VADSilenceMS:         envIntOr("VOICE_RELAY_VAD_SILENCE_MS", 500),
		ReadHeaderTimeout:    envDurationOr("VOICE_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOICE_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.AuthSecret == "" {
		return Config{}, fmt.Errorf("VOICE_RELAY_AUTH_SECRET must be set")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("VOICE_RELAY_DATABASE_URL must be set")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.DailyVoiceMinutes <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_DAILY_VOICE_MINUTES must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.SessionWarningBefore <= 0 || cfg.SessionWarningBefore >= cfg.MaxSessionDuration {
		return Config{}, fmt.Errorf("VOICE_RELAY_SESSION_WARNING_BEFORE must be > 0 and < VOICE_RELAY_MAX_SESSION_DURATION")
	}
	if cfg.DurationPollInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_DURATION_POLL_INTERVAL must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_IDLE_TIMEOUT must be > 0")
	}
	if cfg.IdleSweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_IDLE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.ClientReadLimitBytes <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_CLIENT_READ_LIMIT_BYTES must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_PING_INTERVAL must be > 0")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VOICE_RELAY_VAD_THRESHOLD must be in (0, 1]")
	}
	if cfg.VADPrefixPaddingMS < 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if cfg.VADSilenceMS <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_VAD_SILENCE_MS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICE_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
