// Package config loads relay configuration from an optional YAML
// file with environment overrides. Env always wins over file values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration.
type Config struct {
	ListenAddr    string `yaml:"listenAddr"`
	DataDir       string `yaml:"dataDir"`
	StorageSecret string `yaml:"storageSecret"`
	LogLevel      string `yaml:"logLevel"`

	SessionTTL       time.Duration `yaml:"sessionTTL"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	PongTimeout      time.Duration `yaml:"pongTimeout"`
	SendQueueDepth   int           `yaml:"sendQueueDepth"`

	FrameRPS   float64 `yaml:"frameRPS"`
	FrameBurst int     `yaml:"frameBurst"`
	HTTPRPS    float64 `yaml:"httpRPS"`
	HTTPBurst  int     `yaml:"httpBurst"`

	Turn        TurnConfig        `yaml:"turn"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

// TurnConfig drives the TURN credential issuer.
type TurnConfig struct {
	URLs         []string      `yaml:"urls"`
	SharedSecret string        `yaml:"sharedSecret"`
	TTL          time.Duration `yaml:"ttl"`
}

// AttachmentsConfig drives presigned URL generation for the external
// object store.
type AttachmentsConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	SigningSecret string        `yaml:"signingSecret"`
	URLTTL        time.Duration `yaml:"urlTTL"`
	MaxSize       int64         `yaml:"maxSize"`
}

// Default returns the configuration used when no file or env is
// present.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8443",
		DataDir:          "data",
		LogLevel:         "info",
		SessionTTL:       24 * time.Hour,
		HandshakeTimeout: 30 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		SendQueueDepth:   256,
		FrameRPS:         20,
		FrameBurst:       60,
		HTTPRPS:          10,
		HTTPBurst:        30,
		Turn: TurnConfig{
			TTL: 10 * time.Minute,
		},
		Attachments: AttachmentsConfig{
			URLTTL:  15 * time.Minute,
			MaxSize: 100 << 20,
		},
	}
}

// LoadFromPath reads configPath when set, otherwise tries the
// conventional locations, then applies env overrides.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/relay.yaml", "relay.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src Config) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.StorageSecret != "" {
		dst.StorageSecret = src.StorageSecret
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.SessionTTL > 0 {
		dst.SessionTTL = src.SessionTTL
	}
	if src.HandshakeTimeout > 0 {
		dst.HandshakeTimeout = src.HandshakeTimeout
	}
	if src.PingInterval > 0 {
		dst.PingInterval = src.PingInterval
	}
	if src.PongTimeout > 0 {
		dst.PongTimeout = src.PongTimeout
	}
	if src.SendQueueDepth > 0 {
		dst.SendQueueDepth = src.SendQueueDepth
	}
	if src.FrameRPS > 0 {
		dst.FrameRPS = src.FrameRPS
	}
	if src.FrameBurst > 0 {
		dst.FrameBurst = src.FrameBurst
	}
	if src.HTTPRPS > 0 {
		dst.HTTPRPS = src.HTTPRPS
	}
	if src.HTTPBurst > 0 {
		dst.HTTPBurst = src.HTTPBurst
	}
	if len(src.Turn.URLs) > 0 {
		dst.Turn.URLs = src.Turn.URLs
	}
	if src.Turn.SharedSecret != "" {
		dst.Turn.SharedSecret = src.Turn.SharedSecret
	}
	if src.Turn.TTL > 0 {
		dst.Turn.TTL = src.Turn.TTL
	}
	if src.Attachments.BaseURL != "" {
		dst.Attachments.BaseURL = src.Attachments.BaseURL
	}
	if src.Attachments.SigningSecret != "" {
		dst.Attachments.SigningSecret = src.Attachments.SigningSecret
	}
	if src.Attachments.URLTTL > 0 {
		dst.Attachments.URLTTL = src.Attachments.URLTTL
	}
	if src.Attachments.MaxSize > 0 {
		dst.Attachments.MaxSize = src.Attachments.MaxSize
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("WSP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := envString("WSP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("WSP_STORAGE_SECRET"); v != "" {
		cfg.StorageSecret = v
	}
	if v := envString("WSP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envDuration("WSP_SESSION_TTL"); v > 0 {
		cfg.SessionTTL = v
	}
	if v := envFloat("WSP_FRAME_RPS"); v > 0 {
		cfg.FrameRPS = v
	}
	if v := envInt("WSP_FRAME_BURST"); v > 0 {
		cfg.FrameBurst = v
	}
	if v := envFloat("WSP_HTTP_RPS"); v > 0 {
		cfg.HTTPRPS = v
	}
	if v := envInt("WSP_HTTP_BURST"); v > 0 {
		cfg.HTTPBurst = v
	}
	if v := envCSV("WSP_TURN_URLS"); len(v) > 0 {
		cfg.Turn.URLs = v
	}
	if v := envString("WSP_TURN_SECRET"); v != "" {
		cfg.Turn.SharedSecret = v
	}
	if v := envDuration("WSP_TURN_TTL"); v > 0 {
		cfg.Turn.TTL = v
	}
	if v := envString("WSP_ATTACHMENT_BASE_URL"); v != "" {
		cfg.Attachments.BaseURL = v
	}
	if v := envString("WSP_ATTACHMENT_SECRET"); v != "" {
		cfg.Attachments.SigningSecret = v
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string) int {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envFloat(key string) float64 {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func envDuration(key string) time.Duration {
	raw := envString(key)
	if raw == "" {
		return 0
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return parsed
}
