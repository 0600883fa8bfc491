package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/snarg/media-scribe/internal/audio"
	"github.com/snarg/media-scribe/internal/database"
	"github.com/snarg/media-scribe/internal/pipeline"
	"github.com/snarg/media-scribe/internal/transcribe"
)

type Config struct {
	// Remote speech-to-text endpoint
	STTURL        string        `env:"STT_URL" envDefault:"https://api.groq.com/openai/v1/audio/transcriptions"`
	STTAPIKey     string        `env:"STT_API_KEY,required"`
	STTModel      string        `env:"STT_MODEL" envDefault:"whisper-large-v3-turbo"`
	STTTimeout    time.Duration `env:"STT_TIMEOUT" envDefault:"5m"`
	STTLanguage   string        `env:"STT_LANGUAGE"`
	STTTimestamps bool          `env:"STT_TIMESTAMPS" envDefault:"false"`

	// Request size ceiling = limit minus margin
	SizeLimitBytes    int64   `env:"STT_SIZE_LIMIT_BYTES" envDefault:"26214400"`
	SizeMarginPercent float64 `env:"STT_SIZE_MARGIN_PERCENT" envDefault:"4"`

	// Segmentation
	ChunkTargetDuration time.Duration `env:"CHUNK_TARGET_DURATION" envDefault:"5m"`
	ChunkMinDuration    time.Duration `env:"CHUNK_MIN_DURATION" envDefault:"15s"`
	ChunkShrinkFactor   float64       `env:"CHUNK_SHRINK_FACTOR" envDefault:"0.75"`
	CompressionTiers    string        `env:"COMPRESSION_TIERS" envDefault:"light:64k,heavy:32k:16000:1"`

	// Retry policy for each chunk call
	RetryMax            int           `env:"RETRY_MAX" envDefault:"5"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"2s"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"60s"`
	RetryJitter         float64       `env:"RETRY_JITTER" envDefault:"0.1"`

	// Per-job pacing
	CallInterval     time.Duration `env:"CALL_INTERVAL" envDefault:"1s"`
	ChunkWorkers     int           `env:"CHUNK_WORKERS" envDefault:"1"`
	ChunkCallTimeout time.Duration `env:"CHUNK_CALL_TIMEOUT" envDefault:"15m"`

	// Job pool and external tools
	JobWorkers   int    `env:"JOB_WORKERS" envDefault:"2"`
	JobQueueSize int    `env:"JOB_QUEUE_SIZE" envDefault:"64"`
	ScratchDir   string `env:"SCRATCH_DIR"`
	FFmpegPath   string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath  string `env:"FFPROBE_PATH" envDefault:"ffprobe"`

	// Inputs
	UploadDir       string   `env:"UPLOAD_DIR" envDefault:"./uploads"`
	MediaDir        string   `env:"MEDIA_DIR"`
	MaxUploadBytes  int64    `env:"MAX_UPLOAD_BYTES" envDefault:"4294967296"`
	WatchDir        string   `env:"WATCH_DIR"`
	WatchExtensions []string `env:"WATCH_EXTENSIONS" envSeparator:"," envDefault:".mp3,.mp4,.m4a,.wav,.webm,.mkv,.mov,.ogg,.flac,.aac"`

	// Outputs
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"8"`
	DBMinConns        int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	TranscriptDir     string        `env:"TRANSCRIPT_DIR" envDefault:"./transcripts"`
	S3                S3Config      `envPrefix:"S3_"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"media-scribe"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"media-scribe"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5m"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken       string   `env:"AUTH_TOKEN"`
	CORSOrigins     []string `env:"CORS_ORIGINS" envSeparator:","`
	SubmitRateLimit float64  `env:"SUBMIT_RATE_LIMIT" envDefault:"2"`
	SubmitRateBurst int      `env:"SUBMIT_RATE_BURST" envDefault:"10"`
	LogLevel        string   `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config configures the optional S3-compatible transcript store.
type S3Config struct {
	Bucket        string        `env:"BUCKET"`
	Endpoint      string        `env:"ENDPOINT"`
	Region        string        `env:"REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"ACCESS_KEY"`
	SecretKey     string        `env:"SECRET_KEY"`
	Prefix        string        `env:"PREFIX"`
	PresignExpiry time.Duration `env:"PRESIGN_EXPIRY" envDefault:"1h"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	STTModel      string
	TranscriptDir string
	WatchDir      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.STTModel != "" {
		cfg.STTModel = overrides.STTModel
	}
	if overrides.TranscriptDir != "" {
		cfg.TranscriptDir = overrides.TranscriptDir
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"STT_TIMEOUT", c.STTTimeout},
		{"CHUNK_TARGET_DURATION", c.ChunkTargetDuration},
		{"CHUNK_MIN_DURATION", c.ChunkMinDuration},
		{"RETRY_INITIAL_BACKOFF", c.RetryInitialBackoff},
		{"RETRY_MAX_BACKOFF", c.RetryMaxBackoff},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"CHUNK_TARGET_DURATION", c.ChunkTargetDuration},
		{"CHUNK_MIN_DURATION", c.ChunkMinDuration},
	} {
		if d.v > 0 && d.v < time.Millisecond {
			errs = append(errs, fmt.Errorf("%s %s must be at least 1ms", d.name, d.v))
		}
	}
	if c.ChunkMinDuration > c.ChunkTargetDuration {
		errs = append(errs, fmt.Errorf("CHUNK_MIN_DURATION %s exceeds CHUNK_TARGET_DURATION %s", c.ChunkMinDuration, c.ChunkTargetDuration))
	}
	if c.ChunkShrinkFactor <= 0 || c.ChunkShrinkFactor >= 1 {
		errs = append(errs, fmt.Errorf("CHUNK_SHRINK_FACTOR %v must be in (0,1)", c.ChunkShrinkFactor))
	}
	if tiers, err := audio.ParseTiers(c.CompressionTiers); err != nil {
		errs = append(errs, fmt.Errorf("COMPRESSION_TIERS: %w", err))
	} else if len(tiers) < 2 {
		errs = append(errs, fmt.Errorf("COMPRESSION_TIERS needs at least two tiers, got %d", len(tiers)))
	}
	if c.SizeLimitBytes <= 0 {
		errs = append(errs, errors.New("STT_SIZE_LIMIT_BYTES must be positive"))
	}
	if c.SizeMarginPercent < 0 || c.SizeMarginPercent >= 50 {
		errs = append(errs, fmt.Errorf("STT_SIZE_MARGIN_PERCENT %v must be in [0,50)", c.SizeMarginPercent))
	}
	if c.RetryMax < 0 {
		errs = append(errs, errors.New("RETRY_MAX must not be negative"))
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		errs = append(errs, errors.New("RETRY_MAX_BACKOFF must not be below RETRY_INITIAL_BACKOFF"))
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		errs = append(errs, fmt.Errorf("RETRY_JITTER %v must be in [0,1)", c.RetryJitter))
	}
	if c.CallInterval < 0 || c.ChunkCallTimeout < 0 {
		errs = append(errs, errors.New("CALL_INTERVAL and CHUNK_CALL_TIMEOUT must not be negative"))
	}
	if c.ChunkWorkers < 1 || c.JobWorkers < 1 || c.JobQueueSize < 1 {
		errs = append(errs, errors.New("CHUNK_WORKERS, JOB_WORKERS and JOB_QUEUE_SIZE must be at least 1"))
	}
	if c.SubmitRateLimit <= 0 || c.SubmitRateBurst < 1 {
		errs = append(errs, errors.New("SUBMIT_RATE_LIMIT must be positive and SUBMIT_RATE_BURST at least 1"))
	}
	if c.DatabaseURL != "" {
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			errs = append(errs, fmt.Errorf("DB_MIN_CONNS %d and DB_MAX_CONNS %d must satisfy 0 <= min <= max, max >= 1", c.DBMinConns, c.DBMaxConns))
		}
		if c.DBMaxConnIdleTime < 0 {
			errs = append(errs, errors.New("DB_MAX_CONN_IDLE_TIME must not be negative"))
		}
	}
	return errors.Join(errs...)
}

// Database returns the connection pool settings.
func (c *Config) Database() database.Options {
	return database.Options{
		URL:             c.DatabaseURL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnIdleTime: c.DBMaxConnIdleTime,
	}
}

// SizeCeiling is the effective per-request byte ceiling.
func (c *Config) SizeCeiling() int64 {
	return audio.CeilingFor(c.SizeLimitBytes, c.SizeMarginPercent)
}

// RetryPolicy is the default backoff policy for chunk calls.
func (c *Config) RetryPolicy() transcribe.RetryPolicy {
	return transcribe.RetryPolicy{
		MaxRetries:     c.RetryMax,
		InitialBackoff: c.RetryInitialBackoff,
		MaxBackoff:     c.RetryMaxBackoff,
		Jitter:         c.RetryJitter,
	}
}

// JobDefaults is the per-job configuration used when a submission does not
// choose its own.
func (c *Config) JobDefaults() pipeline.Config {
	return pipeline.Config{
		Model:      c.STTModel,
		Language:   c.STTLanguage,
		Timestamps: c.STTTimestamps,
		Ceiling:    c.SizeCeiling(),
		Retry:      c.RetryPolicy(),
	}
}

// Tiers returns the parsed compression ladder.
func (c *Config) Tiers() []audio.Tier {
	tiers, err := audio.ParseTiers(c.CompressionTiers)
	if err != nil {
		// Validate rejects unparsable ladders.
		return audio.DefaultTiers
	}
	return tiers
}
