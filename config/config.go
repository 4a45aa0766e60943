package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Log        LogConfig       `mapstructure:"log"`
	Chunker    ChunkerConfig   `mapstructure:"chunker"`
	Synthesis  SynthesisConfig `mapstructure:"synthesis"`
	Storage    StorageConfig   `mapstructure:"storage"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
	Notify     NotifyConfig    `mapstructure:"notify"`
	ScratchDir string          `mapstructure:"scratch_dir"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// StrictStatus maps error kinds to 4xx/5xx instead of always answering 200.
	StrictStatus bool `mapstructure:"strict_status"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

type ChunkerConfig struct {
	MaxChars int `mapstructure:"max_chars"`
}

type SynthesisConfig struct {
	Provider       string        `mapstructure:"provider"` // "edge", "google" or "dummy"
	DefaultVoice   string        `mapstructure:"default_voice"`
	Format         string        `mapstructure:"format"` // "mp3" or "wav"
	Concurrency    int           `mapstructure:"concurrency"`
	ChunkTimeout   time.Duration `mapstructure:"chunk_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // calls per second, 0 disables
	RateBurst      int           `mapstructure:"rate_burst"`
	CacheSize      int           `mapstructure:"cache_size"`
	ValidateVoices bool          `mapstructure:"validate_voices"`
	Edge           EdgeConfig    `mapstructure:"edge"`
	Google         GoogleConfig  `mapstructure:"google"`
}

type EdgeConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	VoicesURL    string `mapstructure:"voices_url"`
	ClientToken  string `mapstructure:"client_token"`
	OutputFormat string `mapstructure:"output_format"`
}

type GoogleConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	SampleRateHertz int32  `mapstructure:"sample_rate_hertz"`
}

type StorageConfig struct {
	Backend   string        `mapstructure:"backend"` // "s3" or "local"
	KeyPrefix string        `mapstructure:"key_prefix"`
	URLTTL    time.Duration `mapstructure:"url_ttl"`
	S3        S3Config      `mapstructure:"s3"`
	Local     LocalConfig   `mapstructure:"local"`
}

// S3Config covers Cloudflare R2 as well: set AccountID and leave Endpoint empty.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

type LocalConfig struct {
	Dir        string `mapstructure:"dir"`
	Database   string `mapstructure:"database"`
	PublicURL  string `mapstructure:"public_url"`
	SigningKey string `mapstructure:"signing_key"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.strict_status", false)
	v.SetDefault("server.max_body_bytes", 4<<20)

	v.SetDefault("log.level", "info")

	v.SetDefault("chunker.max_chars", 2000)

	v.SetDefault("synthesis.provider", "edge")
	v.SetDefault("synthesis.default_voice", "") // filled per provider in decode
	v.SetDefault("synthesis.format", "mp3")
	v.SetDefault("synthesis.concurrency", 8)
	v.SetDefault("synthesis.chunk_timeout", 120*time.Second)
	v.SetDefault("synthesis.request_timeout", 600*time.Second)
	v.SetDefault("synthesis.rate_limit", 0)
	v.SetDefault("synthesis.rate_burst", 4)
	v.SetDefault("synthesis.cache_size", 256)
	v.SetDefault("synthesis.validate_voices", false)
	v.SetDefault("synthesis.edge.endpoint", "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1")
	v.SetDefault("synthesis.edge.voices_url", "https://speech.platform.bing.com/consumer/speech/synthesize/readaloud/voices/list")
	v.SetDefault("synthesis.edge.client_token", "6A5AA1D4EAFF4E9FB37E23D68491D6F4")
	v.SetDefault("synthesis.edge.output_format", "audio-24khz-48kbitrate-mono-mp3")
	v.SetDefault("synthesis.google.sample_rate_hertz", 24000)

	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.key_prefix", "generated/")
	v.SetDefault("storage.url_ttl", time.Hour)
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.local.dir", "./data/objects")
	v.SetDefault("storage.local.database", "./data/objects.db")
	v.SetDefault("storage.local.public_url", "http://localhost:8080")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "longform-tts")
	v.SetDefault("telemetry.environment", "dev")

	v.SetDefault("notify.subject", "tts.jobs")

	v.SetDefault("scratch_dir", filepath.Join(os.TempDir(), "longform-tts"))
}

// Load reads config.yaml (and an optional config.local.yaml override) from
// the working directory or ./config, then applies LONGFORM_* environment
// variables on top. A non-empty file replaces the search and must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Credentials usually arrive through the environment
	v.BindEnv("storage.s3.access_key_id", "LONGFORM_STORAGE_S3_ACCESS_KEY_ID", "R2_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "LONGFORM_STORAGE_S3_SECRET_ACCESS_KEY", "R2_SECRET_ACCESS_KEY")
	v.BindEnv("storage.s3.account_id", "LONGFORM_STORAGE_S3_ACCOUNT_ID", "R2_ACCOUNT_ID")
	v.BindEnv("storage.s3.bucket", "LONGFORM_STORAGE_S3_BUCKET", "R2_BUCKET_NAME")
	v.BindEnv("synthesis.google.credentials_file", "LONGFORM_SYNTHESIS_GOOGLE_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("server.port", "LONGFORM_SERVER_PORT", "PORT")

	v.SetEnvPrefix("LONGFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		return decode(v)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults
	}

	v.SetConfigName("config.local")
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge local config: %w", err)
		}
	}

	return decode(v)
}

// defaultVoices is the default_voice used when none is configured.
var defaultVoices = map[string]string{
	"edge":   "en-US-AriaNeural",
	"dummy":  "en-US-AriaNeural",
	"google": "en-US-Neural2-F",
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Synthesis.DefaultVoice == "" {
		cfg.Synthesis.DefaultVoice = defaultVoices[cfg.Synthesis.Provider]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Chunker.MaxChars <= 0 {
		return fmt.Errorf("chunker.max_chars must be positive, got %d", c.Chunker.MaxChars)
	}
	if c.Synthesis.Concurrency <= 0 {
		return fmt.Errorf("synthesis.concurrency must be positive, got %d", c.Synthesis.Concurrency)
	}
	if c.Synthesis.RequestTimeout <= 0 || c.Synthesis.ChunkTimeout <= 0 {
		return errors.New("synthesis timeouts must be positive")
	}
	if err := c.Synthesis.checkVoice(); err != nil {
		return err
	}
	switch c.Synthesis.Format {
	case "mp3", "wav":
	default:
		return fmt.Errorf("unsupported synthesis.format %q", c.Synthesis.Format)
	}
	switch c.Storage.Backend {
	case "s3", "local":
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.URLTTL <= 0 {
		return errors.New("storage.url_ttl must be positive")
	}
	return nil
}

// checkVoice catches a default voice that belongs to the other cloud provider.
// Edge voice names end in "Neural"; Google's never do.
func (s SynthesisConfig) checkVoice() error {
	edgeVoice := strings.HasSuffix(strings.TrimSuffix(s.DefaultVoice, ")"), "Neural")
	switch {
	case s.Provider == "google" && edgeVoice:
		return fmt.Errorf("synthesis.default_voice %q is an Edge voice; set a Google voice such as en-US-Neural2-F", s.DefaultVoice)
	case s.Provider == "edge" && s.DefaultVoice != "" && !edgeVoice:
		return fmt.Errorf("synthesis.default_voice %q is not an Edge voice; set one such as en-US-AriaNeural", s.DefaultVoice)
	}
	return nil
}
