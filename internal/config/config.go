// Package config loads the layered application configuration: built-in
// defaults, then an optional YAML file, then environment variables. A .env
// file in the working directory is folded into the environment first.
package config

import (
	"fmt"
	"net/mail"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("30s", "1m30s") from both YAML and
// environment values.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	LogMode  string `yaml:"log_mode" env:"LOG_MODE"`

	// TokenKey seals OAuth token files at rest. Empty keeps them as
	// plain JSON. Generate one with crypto.GenerateMasterKey.
	TokenKey string `yaml:"token_key" env:"TOKEN_MASTER_KEY"`

	Cloud   CloudConfig   `yaml:"cloud"`
	Monitor MonitorConfig `yaml:"monitor"`
	Capture CaptureConfig `yaml:"capture"`
	Vision  VisionConfig  `yaml:"vision"`
	Alert   AlertConfig   `yaml:"alert"`
	Storage StorageConfig `yaml:"storage"`
	Notify  NotifyConfig  `yaml:"notify"`
	Journal JournalConfig `yaml:"journal"`
}

// CloudConfig points at the device cloud's REST API and the OAuth token
// that authenticates against it.
type CloudConfig struct {
	BaseURL        string   `yaml:"base_url" env:"CLOUD_BASE_URL"`
	TokenFile      string   `yaml:"token_file" env:"CLOUD_TOKEN_FILE"`
	TokenURL       string   `yaml:"token_url" env:"CLOUD_TOKEN_URL"`
	ClientID       string   `yaml:"client_id" env:"CLOUD_CLIENT_ID"`
	ClientSecret   string   `yaml:"client_secret" env:"CLOUD_CLIENT_SECRET"`
	RequestTimeout Duration `yaml:"request_timeout" env:"CLOUD_REQUEST_TIMEOUT"`
	MaxRetries     int      `yaml:"max_retries" env:"CLOUD_MAX_RETRIES"`
}

// MonitorConfig selects how motion signals are ingested and how triggered
// captures are gated.
type MonitorConfig struct {
	// Mode is poll, push, or both.
	Mode string `yaml:"mode" env:"MONITOR_MODE"`

	// DeviceName restricts monitoring to the device with this display
	// name. Empty watches every device on the account.
	DeviceName string `yaml:"device_name" env:"DEVICE_NAME"`

	ScanInterval  Duration `yaml:"scan_interval" env:"SCAN_INTERVAL"`
	HistoryLimit  int      `yaml:"history_limit" env:"HISTORY_LIMIT"`
	Cooldown      Duration `yaml:"cooldown" env:"MOTION_COOLDOWN"`
	MaxConcurrent int      `yaml:"max_concurrent" env:"MAX_CONCURRENT_CAPTURES"`
}

// CaptureConfig tunes the one-frame media sessions.
type CaptureConfig struct {
	FrameTimeout Duration `yaml:"frame_timeout" env:"FRAME_TIMEOUT"`
	WarmupFrames int      `yaml:"warmup_frames" env:"WARMUP_FRAMES"`

	// ICEServers lists STUN/TURN URLs, comma-separated in the
	// environment. Unset uses the built-in public STUN servers.
	ICEServers []string `yaml:"ice_servers" env:"ICE_SERVERS" envSeparator:","`
}

// VisionConfig names the hosted classifier endpoint. The API key is the one
// configuration item the process refuses to start without.
type VisionConfig struct {
	APIKey    string   `yaml:"api_key" env:"VISION_API_KEY"`
	BaseURL   string   `yaml:"base_url" env:"VISION_BASE_URL"`
	Model     string   `yaml:"model" env:"VISION_MODEL"`
	MaxTokens int      `yaml:"max_tokens" env:"VISION_MAX_TOKENS"`
	Timeout   Duration `yaml:"timeout" env:"VISION_TIMEOUT"`
}

// AlertConfig names the audio clip pushed to a device when a run is
// classified suspicious.
type AlertConfig struct {
	SoundFile string   `yaml:"sound_file" env:"ALERT_SOUND_FILE"`
	Duration  Duration `yaml:"duration" env:"ALERT_SOUND_DURATION"`
}

// StorageConfig covers both capture sinks. The remote upload is enabled by
// the presence of a bucket name; the local directory is always used.
type StorageConfig struct {
	MinIO    MinIOConfig `yaml:"minio"`
	LocalDir string      `yaml:"local_dir" env:"LOCAL_SAVE_DIR"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL"`
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET"`
	Region    string `yaml:"region" env:"MINIO_REGION"`
	Prefix    string `yaml:"prefix" env:"MINIO_PREFIX"`
}

// NotifyConfig selects the outbound email transport. An empty transport
// disables notifications entirely.
type NotifyConfig struct {
	// Transport is "", smtp, or gmail.
	Transport  string   `yaml:"transport" env:"NOTIFY_TRANSPORT"`
	Site       string   `yaml:"site" env:"NOTIFY_SITE"`
	From       string   `yaml:"from" env:"SENDER_EMAIL"`
	Recipients []string `yaml:"recipients" env:"NOTIFICATION_RECIPIENTS" envSeparator:","`

	SMTP  SMTPConfig  `yaml:"smtp"`
	Gmail GmailConfig `yaml:"gmail"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"EMAIL_APP_PASSWORD"`
}

type GmailConfig struct {
	ClientID     string `yaml:"client_id" env:"GMAIL_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GMAIL_CLIENT_SECRET"`
	TokenFile    string `yaml:"token_file" env:"GMAIL_TOKEN_FILE"`
}

// JournalConfig enables the detection journal when a DSN is present.
type JournalConfig struct {
	DSN string `yaml:"dsn" env:"DATABASE_DSN"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogMode:  "production",
		Cloud: CloudConfig{
			TokenFile:      "cloud_token.json",
			RequestTimeout: Duration(15 * time.Second),
			MaxRetries:     3,
		},
		Monitor: MonitorConfig{
			Mode:          "poll",
			ScanInterval:  Duration(10 * time.Second),
			HistoryLimit:  15,
			Cooldown:      Duration(30 * time.Second),
			MaxConcurrent: 4,
		},
		Capture: CaptureConfig{
			FrameTimeout: Duration(15 * time.Second),
			WarmupFrames: 5,
		},
		Alert: AlertConfig{
			SoundFile: "sounds/alert.wav",
			Duration:  Duration(3 * time.Second),
		},
		Storage: StorageConfig{
			LocalDir: "flagged_images",
		},
		Notify: NotifyConfig{
			Site: "front door",
		},
	}
}

// Load assembles the configuration. path names an optional YAML file; an
// empty path skips the file layer.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig checks the assembled configuration before anything is
// built from it.
func ValidateConfig(cfg *Config) error {
	if cfg.Vision.APIKey == "" {
		return fmt.Errorf("vision.api_key is required (set VISION_API_KEY)")
	}
	if cfg.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.base_url is required")
	}
	if cfg.Cloud.TokenFile == "" {
		return fmt.Errorf("cloud.token_file is required")
	}

	switch cfg.Monitor.Mode {
	case "poll", "push", "both":
	default:
		return fmt.Errorf("monitor.mode must be poll, push, or both, got %q", cfg.Monitor.Mode)
	}
	if cfg.Monitor.ScanInterval <= 0 {
		return fmt.Errorf("monitor.scan_interval must be positive")
	}
	if cfg.Monitor.HistoryLimit <= 0 {
		return fmt.Errorf("monitor.history_limit must be positive")
	}
	if cfg.Monitor.MaxConcurrent <= 0 {
		return fmt.Errorf("monitor.max_concurrent must be positive")
	}

	if cfg.Capture.FrameTimeout <= 0 {
		return fmt.Errorf("capture.frame_timeout must be positive")
	}

	if cfg.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir is required")
	}
	if cfg.Storage.MinIO.Bucket != "" && cfg.Storage.MinIO.Endpoint == "" {
		return fmt.Errorf("storage.minio.endpoint is required when a bucket is configured")
	}

	switch cfg.Notify.Transport {
	case "":
	case "smtp":
		if cfg.Notify.SMTP.Host == "" {
			return fmt.Errorf("notify.smtp.host is required for the smtp transport")
		}
		if err := validateRecipients(cfg); err != nil {
			return err
		}
	case "gmail":
		if cfg.Notify.Gmail.ClientID == "" || cfg.Notify.Gmail.ClientSecret == "" {
			return fmt.Errorf("notify.gmail.client_id and client_secret are required for the gmail transport")
		}
		if err := validateRecipients(cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("notify.transport must be empty, smtp, or gmail, got %q", cfg.Notify.Transport)
	}

	if cfg.LogMode != "production" && cfg.LogMode != "development" {
		return fmt.Errorf("log_mode must be production or development, got %q", cfg.LogMode)
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}

	return nil
}

func validateRecipients(cfg *Config) error {
	if len(cfg.Notify.Recipients) == 0 {
		return fmt.Errorf("notify.recipients is required when notifications are enabled")
	}
	for _, addr := range cfg.Notify.Recipients {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("invalid recipient email %q: %w", addr, err)
		}
	}
	if cfg.Notify.From != "" {
		if _, err := mail.ParseAddress(cfg.Notify.From); err != nil {
			return fmt.Errorf("invalid sender email %q: %w", cfg.Notify.From, err)
		}
	}
	return nil
}
