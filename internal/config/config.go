package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets are expected here
// rather than in the YAML file.
const (
	EnvAdminToken            = "CALLSTREAM_ADMIN_TOKEN"
	EnvTranscriptionAPIKey   = "TRANSCRIPTION_API_KEY"
	EnvTranscriptionEndpoint = "TRANSCRIPTION_ENDPOINT"
	EnvRedisAddr             = "REDIS_ADDR"
	EnvRedisPassword         = "REDIS_PASSWORD"
	EnvWorkerCount           = "CALLSTREAM_WORKERS"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Stream        StreamConfig        `yaml:"stream"`
	Workers       WorkersConfig       `yaml:"workers"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Admin         AdminConfig         `yaml:"admin"`
	Redis         RedisConfig         `yaml:"redis"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP/WebSocket server configuration
type HTTPConfig struct {
	Port         int    `yaml:"port"`
	Address      string `yaml:"address"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// StreamConfig contains session management parameters
type StreamConfig struct {
	IdleTimeout         int     `yaml:"idle_timeout"`   // seconds
	SweepInterval       int     `yaml:"sweep_interval"` // seconds
	MaxPendingChunks    int     `yaml:"max_pending_chunks"`
	ResumePendingChunks int     `yaml:"resume_pending_chunks"`
	OutboundQueue       int     `yaml:"outbound_queue"`
	MaxChunkBytes       int     `yaml:"max_chunk_bytes"`
	AdmissionRate       float64 `yaml:"admission_rate"` // admissions per second, 0 disables
	AdmissionBurst      int     `yaml:"admission_burst"`
	DefaultSampleRate   int     `yaml:"default_sample_rate"`
	DefaultLanguage     string  `yaml:"default_language"`
}

// WorkersConfig contains worker pool parameters
type WorkersConfig struct {
	Count              int            `yaml:"count"`
	InboxSize          int            `yaml:"inbox_size"`
	InitTimeout        int            `yaml:"init_timeout"` // seconds
	JobTimeouts        map[string]int `yaml:"job_timeouts"` // operation -> seconds
	DefaultJobTimeout  int            `yaml:"default_job_timeout"`
	SegmentMinDuration float64        `yaml:"segment_min_duration"` // seconds
	SegmentMaxDuration float64        `yaml:"segment_max_duration"` // seconds
	MinSilenceDuration float64        `yaml:"min_silence_duration"` // seconds
	VADThreshold       float32        `yaml:"vad_threshold"`
	VADWindowSize      int            `yaml:"vad_window_size"` // samples
}

// BreakerConfig contains circuit breaker parameters shared by every breaker instance
type BreakerConfig struct {
	Threshold    int `yaml:"threshold"`
	ResetTimeout int `yaml:"reset_timeout_ms"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
	Model         string `yaml:"model"`
}

// AdminConfig contains the administrative API settings
type AdminConfig struct {
	Token string `yaml:"token"`
}

// RedisConfig contains the optional Redis connection used for breaker
// broadcasts and job status records
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// JobsConfig contains file job submission settings
type JobsConfig struct {
	Store          string  `yaml:"store"`      // "memory" or "redis"
	StatusTTL      int     `yaml:"status_ttl"` // seconds
	MaxUploadBytes int64   `yaml:"max_upload_bytes"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. A .env file next to the
// working directory is loaded first so that environment overrides apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration bytes, applies defaults and environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns the reference configuration values
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Stream: StreamConfig{
			IdleTimeout:       120,
			SweepInterval:     30,
			MaxPendingChunks:  50,
			OutboundQueue:     256,
			MaxChunkBytes:     64 * 1024,
			AdmissionBurst:    20,
			DefaultSampleRate: 16000,
			DefaultLanguage:   "en",
		},
		Workers: WorkersConfig{
			Count:       4,
			InboxSize:   1024,
			InitTimeout: 10,
			JobTimeouts: map[string]int{
				"transcribe":      60,
				"detect-language": 30,
				"transform":       30,
			},
			DefaultJobTimeout:  30,
			SegmentMinDuration: 1.0,
			SegmentMaxDuration: 15.0,
			MinSilenceDuration: 0.5,
			VADThreshold:       0.3,
			VADWindowSize:      512,
		},
		Breaker: BreakerConfig{
			Threshold:    5,
			ResetTimeout: 60000,
		},
		Transcription: TranscriptionConfig{
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 10,
			OutputFormat:  "json",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "callstream:breaker",
		},
		Jobs: JobsConfig{
			Store:          "memory",
			StatusTTL:      600,
			MaxUploadBytes: 25 << 20,
			RatePerSecond:  5,
			Burst:          10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnv overrides secrets and addresses from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAdminToken); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv(EnvTranscriptionAPIKey); v != "" {
		c.Transcription.APIKey = v
	}
	if v := os.Getenv(EnvTranscriptionEndpoint); v != "" {
		c.Transcription.Endpoint = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(EnvWorkerCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers.Count = n
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("workers config: %w", err)
	}

	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin config: %w", err)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.Jobs.Validate(c.Redis.Enabled); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}

	if s.MaxPendingChunks < 1 {
		return fmt.Errorf("max_pending_chunks must be at least 1, got %d", s.MaxPendingChunks)
	}

	if s.ResumePendingChunks < 0 || s.ResumePendingChunks > s.MaxPendingChunks {
		return fmt.Errorf("resume_pending_chunks must be between 0 and max_pending_chunks (%d), got %d",
			s.MaxPendingChunks, s.ResumePendingChunks)
	}

	if s.OutboundQueue < 1 {
		return fmt.Errorf("outbound_queue must be at least 1, got %d", s.OutboundQueue)
	}

	if s.MaxChunkBytes < 2 {
		return fmt.Errorf("max_chunk_bytes must be at least 2, got %d", s.MaxChunkBytes)
	}

	if s.AdmissionRate < 0 {
		return fmt.Errorf("admission_rate cannot be negative, got %f", s.AdmissionRate)
	}

	if s.DefaultSampleRate < 8000 {
		return fmt.Errorf("default_sample_rate must be at least 8000 Hz, got %d", s.DefaultSampleRate)
	}

	return nil
}

// Validate validates worker pool configuration
func (w *WorkersConfig) Validate() error {
	if w.Count < 1 || w.Count > 64 {
		return fmt.Errorf("count must be between 1 and 64, got %d", w.Count)
	}

	if w.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", w.InboxSize)
	}

	if w.InitTimeout < 1 {
		return fmt.Errorf("init_timeout must be at least 1 second, got %d", w.InitTimeout)
	}

	if w.DefaultJobTimeout < 1 {
		return fmt.Errorf("default_job_timeout must be at least 1 second, got %d", w.DefaultJobTimeout)
	}

	for op, seconds := range w.JobTimeouts {
		if seconds < 1 {
			return fmt.Errorf("job_timeouts[%s] must be at least 1 second, got %d", op, seconds)
		}
	}

	if w.SegmentMinDuration <= 0 {
		return fmt.Errorf("segment_min_duration must be positive, got %f", w.SegmentMinDuration)
	}

	if w.SegmentMaxDuration <= w.SegmentMinDuration {
		return fmt.Errorf("segment_max_duration (%f) must be greater than segment_min_duration (%f)",
			w.SegmentMaxDuration, w.SegmentMinDuration)
	}

	if w.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", w.MinSilenceDuration)
	}

	if w.VADThreshold < 0 || w.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", w.VADThreshold)
	}

	if w.VADWindowSize < 64 || w.VADWindowSize > 4096 {
		return fmt.Errorf("vad_window_size must be between 64 and 4096 samples, got %d", w.VADWindowSize)
	}

	return nil
}

// Validate validates breaker configuration
func (b *BreakerConfig) Validate() error {
	if b.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1, got %d", b.Threshold)
	}

	if b.ResetTimeout < 1 {
		return fmt.Errorf("reset_timeout_ms must be positive, got %d", b.ResetTimeout)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates admin configuration
func (a *AdminConfig) Validate() error {
	if len(a.Token) < 16 {
		return fmt.Errorf("token must be at least 16 characters (set %s)", EnvAdminToken)
	}

	return nil
}

// Validate validates redis configuration
func (r *RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.Addr == "" {
		return fmt.Errorf("addr cannot be empty when redis is enabled")
	}

	if r.Channel == "" {
		return fmt.Errorf("channel cannot be empty when redis is enabled")
	}

	if r.DB < 0 {
		return fmt.Errorf("db cannot be negative, got %d", r.DB)
	}

	return nil
}

// Validate validates jobs configuration
func (j *JobsConfig) Validate(redisEnabled bool) error {
	switch j.Store {
	case "memory":
	case "redis":
		if !redisEnabled {
			return fmt.Errorf("store 'redis' requires redis.enabled")
		}
	default:
		return fmt.Errorf("store must be 'memory' or 'redis', got '%s'", j.Store)
	}

	if j.StatusTTL < 1 {
		return fmt.Errorf("status_ttl must be at least 1 second, got %d", j.StatusTTL)
	}

	if j.MaxUploadBytes < 1024 {
		return fmt.Errorf("max_upload_bytes must be at least 1024, got %d", j.MaxUploadBytes)
	}

	if j.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second cannot be negative, got %f", j.RatePerSecond)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetIdleTimeoutDuration returns the session idle threshold as a time.Duration
func (s *StreamConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetSweepIntervalDuration returns the reaper interval as a time.Duration
func (s *StreamConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// GetInitTimeoutDuration returns the session initialization timeout
func (w *WorkersConfig) GetInitTimeoutDuration() time.Duration {
	return time.Duration(w.InitTimeout) * time.Second
}

// GetJobTimeouts returns per-operation job deadlines
func (w *WorkersConfig) GetJobTimeouts() map[string]time.Duration {
	timeouts := make(map[string]time.Duration, len(w.JobTimeouts))
	for op, seconds := range w.JobTimeouts {
		timeouts[op] = time.Duration(seconds) * time.Second
	}
	return timeouts
}

// GetDefaultJobTimeoutDuration returns the deadline for operations without an explicit timeout
func (w *WorkersConfig) GetDefaultJobTimeoutDuration() time.Duration {
	return time.Duration(w.DefaultJobTimeout) * time.Second
}

// GetSegmentMinDuration returns the minimum segment duration as a time.Duration
func (w *WorkersConfig) GetSegmentMinDuration() time.Duration {
	return time.Duration(w.SegmentMinDuration * float64(time.Second))
}

// GetSegmentMaxDuration returns the maximum segment duration as a time.Duration
func (w *WorkersConfig) GetSegmentMaxDuration() time.Duration {
	return time.Duration(w.SegmentMaxDuration * float64(time.Second))
}

// GetMinSilenceDuration returns the silence needed to close a segment
func (w *WorkersConfig) GetMinSilenceDuration() time.Duration {
	return time.Duration(w.MinSilenceDuration * float64(time.Second))
}

// GetResetTimeoutDuration returns the breaker open window as a time.Duration
func (b *BreakerConfig) GetResetTimeoutDuration() time.Duration {
	return time.Duration(b.ResetTimeout) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetStatusTTLDuration returns the job status retention as a time.Duration
func (j *JobsConfig) GetStatusTTLDuration() time.Duration {
	return time.Duration(j.StatusTTL) * time.Second
}
