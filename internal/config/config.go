package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Session    SessionConfig
	Recognizer RecognizerConfig
	Pipeline   PipelineConfig
	Notify     NotifyConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// BaseURL is the externally reachable address embedded into session
	// handoff URLs (the address the mobile device will open).
	BaseURL string
	// APIToken protects management endpoints. Required.
	APIToken string
}

type StorageConfig struct {
	DataDir   string
	UploadDir string
}

type SessionConfig struct {
	Timeout       time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

type RecognizerConfig struct {
	// Provider selects the recognition backend: "vision" (remote HTTP
	// service) or "tesseract" (local engine).
	Provider      string
	VisionBaseURL string
	VisionAPIKey  string
}

type PipelineConfig struct {
	Workers     int
	MaxFileSize int64
	MaxFiles    int
	// Preprocess enables the image enhancement pipeline by default;
	// individual uploads may still opt out.
	Preprocess bool
}

type NotifyConfig struct {
	// WebhookURL receives batch receipts. Empty disables delivery (receipts
	// are logged only).
	WebhookURL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:    4600,
			BaseURL: "http://127.0.0.1:4600",
		},
		Storage: StorageConfig{
			DataDir:   dataDir,
			UploadDir: filepath.Join(dataDir, "uploads"),
		},
		Session: SessionConfig{
			Timeout:       10 * time.Minute,
			Retention:     24 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Recognizer: RecognizerConfig{
			Provider:      "vision",
			VisionBaseURL: "http://localhost:8089",
		},
		Pipeline: PipelineConfig{
			Workers:     4,
			MaxFileSize: 20 << 20,
			MaxFiles:    10,
			Preprocess:  true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "vestry")
	}
	return ".vestry"
}

// Load reads configuration from defaults overridden by VESTRY_* environment
// variables.
func Load() (Config, error) {
	cfg := defaults()

	envInt("VESTRY_SERVER_PORT", &cfg.Server.Port)
	envStr("VESTRY_SERVER_BASE_URL", &cfg.Server.BaseURL)
	envStr("VESTRY_API_TOKEN", &cfg.Server.APIToken)
	envStr("VESTRY_DATA_DIR", &cfg.Storage.DataDir)
	envStr("VESTRY_UPLOAD_DIR", &cfg.Storage.UploadDir)
	envDuration("VESTRY_SESSION_TIMEOUT", &cfg.Session.Timeout)
	envDuration("VESTRY_SESSION_RETENTION", &cfg.Session.Retention)
	envDuration("VESTRY_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval)
	envStr("VESTRY_RECOGNIZER", &cfg.Recognizer.Provider)
	envStr("VESTRY_VISION_BASE_URL", &cfg.Recognizer.VisionBaseURL)
	envStr("VESTRY_VISION_API_KEY", &cfg.Recognizer.VisionAPIKey)
	envInt("VESTRY_PIPELINE_WORKERS", &cfg.Pipeline.Workers)
	envInt64("VESTRY_MAX_FILE_SIZE", &cfg.Pipeline.MaxFileSize)
	envInt("VESTRY_MAX_FILES", &cfg.Pipeline.MaxFiles)
	envBool("VESTRY_PREPROCESS", &cfg.Pipeline.Preprocess)
	envStr("VESTRY_NOTIFY_WEBHOOK_URL", &cfg.Notify.WebhookURL)
	envStr("VESTRY_LOG_LEVEL", &cfg.Log.Level)

	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set it via environment variable VESTRY_API_TOKEN")
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Recognizer.Provider {
	case "vision", "tesseract":
	default:
		return fmt.Errorf("unknown recognizer provider %q (want vision or tesseract)", cfg.Recognizer.Provider)
	}
	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Session.Timeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %s", cfg.Session.Timeout)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
