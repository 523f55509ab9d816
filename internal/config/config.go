package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
type Config struct {
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Device  DeviceConfig  `yaml:"device" json:"device"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// CaptureConfig contains recording policy
type CaptureConfig struct {
	ChunkInterval       int      `yaml:"chunk_interval" json:"chunk_interval" validate:"min=1"`     // seconds
	MaxDuration         int      `yaml:"max_duration" json:"max_duration" validate:"min=1"`         // seconds
	FinalizeTimeout     int      `yaml:"finalize_timeout" json:"finalize_timeout" validate:"min=1"` // seconds
	EncodingPreferences []string `yaml:"encoding_preferences" json:"encoding_preferences" validate:"min=1,dive,required"`
	BitsPerSecond       int      `yaml:"bits_per_second" json:"bits_per_second" validate:"min=8000"`
	SampleRate          int      `yaml:"sample_rate" json:"sample_rate" validate:"oneof=8000 16000 22050 44100 48000"`
	Channels            int      `yaml:"channels" json:"channels" validate:"min=1,max=2"`
	EchoCancellation    bool     `yaml:"echo_cancellation" json:"echo_cancellation"`
	NoiseSuppression    bool     `yaml:"noise_suppression" json:"noise_suppression"`
	PlaybackDir         string   `yaml:"playback_dir" json:"playback_dir"`
}

// DeviceConfig contains the encoder subprocess table
type DeviceConfig struct {
	Input           string              `yaml:"input" json:"input" validate:"required"`
	DefaultEncoding string              `yaml:"default_encoding" json:"default_encoding" validate:"required"`
	ProbeTimeout    int                 `yaml:"probe_timeout" json:"probe_timeout" validate:"min=1"` // seconds
	StopGrace       int                 `yaml:"stop_grace" json:"stop_grace" validate:"min=1"`       // seconds
	Encoders        map[string][]string `yaml:"encoders" json:"encoders" validate:"min=1"`
}

// UploadConfig contains collector endpoint configuration
type UploadConfig struct {
	BaseURL             string `yaml:"base_url" json:"base_url" validate:"required,url"`
	ExistingSubjectPath string `yaml:"existing_subject_path" json:"existing_subject_path" validate:"required,startswith=/"`
	NewSubjectPath      string `yaml:"new_subject_path" json:"new_subject_path" validate:"required,startswith=/"`
	FileField           string `yaml:"file_field" json:"file_field" validate:"required"`
	SubjectIDField      string `yaml:"subject_id_field" json:"subject_id_field" validate:"required"`
	NewSubjectField     string `yaml:"new_subject_field" json:"new_subject_field" validate:"required"`
	APIKey              string `yaml:"api_key" json:"api_key"`
	Timeout             int    `yaml:"timeout" json:"timeout" validate:"min=1"` // seconds
	MaxConcurrent       int    `yaml:"max_concurrent" json:"max_concurrent" validate:"min=1"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" json:"format" validate:"oneof=json text"`
	Output     string `yaml:"output" json:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" validate:"min=0"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// APIKeyEnv overrides upload.api_key when set
const APIKeyEnv = "CONSULT_UPLOAD_API_KEY"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	})
	return v
}

// Default returns the built-in configuration that files are layered over
func Default() *Config {
	ffmpeg := func(codec, format string) []string {
		return []string{
			"ffmpeg", "-hide_banner", "-loglevel", "error",
			"-f", "alsa", "-i", "{input}",
			"-ac", "{channels}", "-ar", "{rate}",
			"-c:a", codec, "-b:a", "{bitrate}",
			"-f", format, "pipe:1",
		}
	}

	return &Config{
		Capture: CaptureConfig{
			ChunkInterval:   30,
			MaxDuration:     3600,
			FinalizeTimeout: 15,
			EncodingPreferences: []string{
				"audio/webm;codecs=opus",
				"audio/webm",
				"audio/mp4",
				"audio/ogg",
			},
			BitsPerSecond:    128000,
			SampleRate:       44100,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		Device: DeviceConfig{
			Input:           "default",
			DefaultEncoding: "audio/webm;codecs=opus",
			ProbeTimeout:    3,
			StopGrace:       5,
			Encoders: map[string][]string{
				"audio/webm;codecs=opus": ffmpeg("libopus", "webm"),
				"audio/webm":             ffmpeg("libopus", "webm"),
				"audio/ogg":              ffmpeg("libopus", "ogg"),
				"audio/wav": {
					"arecord", "-q", "-D", "{input}", "-f", "S16_LE",
					"-r", "{rate}", "-c", "{channels}", "-t", "wav",
				},
			},
		},
		Upload: UploadConfig{
			BaseURL:             "http://localhost:8000",
			ExistingSubjectPath: "/upload",
			NewSubjectPath:      "/consultation/new_patient",
			FileField:           "file",
			SubjectIDField:      "patient_id",
			NewSubjectField:     "patient_data",
			Timeout:             600,
			MaxConcurrent:       2,
		},
		HTTP: HTTPConfig{
			Port:    8090,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Load reads the configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result
func Parse(data []byte) (*Config, error) {
	config := Default()

	// A file that sets encoders replaces the whole table
	var probe struct {
		Device struct {
			Encoders map[string][]string `yaml:"encoders"`
		} `yaml:"device"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if probe.Device.Encoders != nil {
		config.Device.Encoders = nil
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if key := os.Getenv(APIKeyEnv); key != "" {
		config.Upload.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// checkRules applies the validate tags of a section and reports the first
// failing field
func checkRules(section any) error {
	err := validate.Struct(section)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s cannot be empty", fe.Field())
	case "url":
		return fmt.Errorf("%s must be a valid URL, got '%v'", fe.Field(), fe.Value())
	case "startswith":
		return fmt.Errorf("%s must start with '%s', got '%v'", fe.Field(), fe.Param(), fe.Value())
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got '%v'", fe.Field(), fe.Param(), fe.Value())
	case "min":
		if fe.Kind() == reflect.Slice || fe.Kind() == reflect.Map {
			return fmt.Errorf("%s must have at least %s entries", fe.Field(), fe.Param())
		}
		return fmt.Errorf("%s must be at least %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "max":
		return fmt.Errorf("%s must be at most %s, got %v", fe.Field(), fe.Param(), fe.Value())
	default:
		return fmt.Errorf("%s failed the '%s' rule", fe.Field(), fe.Tag())
	}
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if err := checkRules(c); err != nil {
		return err
	}

	if c.MaxDuration < c.ChunkInterval {
		return fmt.Errorf("max_duration (%d) must not be shorter than chunk_interval (%d)",
			c.MaxDuration, c.ChunkInterval)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	if err := checkRules(d); err != nil {
		return err
	}

	for mime, argv := range d.Encoders {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("encoder for %q has no command", mime)
		}
	}

	if _, ok := d.Encoders[d.DefaultEncoding]; !ok {
		return fmt.Errorf("default_encoding %q has no encoder", d.DefaultEncoding)
	}

	return nil
}

// Validate validates upload configuration
func (u *UploadConfig) Validate() error {
	return checkRules(u)
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	return checkRules(l)
}

// IsFile reports whether logs go to a rotated file rather than a stream
func (l *LoggingConfig) IsFile() bool {
	return l.Output != "" && l.Output != "stdout" && l.Output != "stderr"
}

// Sanitized returns a copy safe to expose over the API
func (c *Config) Sanitized() Config {
	out := *c
	if out.Upload.APIKey != "" {
		out.Upload.APIKey = "***"
	}
	return out
}

// GetChunkInterval returns the chunk interval as a time.Duration
func (c *CaptureConfig) GetChunkInterval() time.Duration {
	return time.Duration(c.ChunkInterval) * time.Second
}

// GetMaxDuration returns the recording ceiling as a time.Duration
func (c *CaptureConfig) GetMaxDuration() time.Duration {
	return time.Duration(c.MaxDuration) * time.Second
}

// GetFinalizeTimeout returns the finalize timeout as a time.Duration
func (c *CaptureConfig) GetFinalizeTimeout() time.Duration {
	return time.Duration(c.FinalizeTimeout) * time.Second
}

// GetProbeTimeout returns the access probe timeout as a time.Duration
func (d *DeviceConfig) GetProbeTimeout() time.Duration {
	return time.Duration(d.ProbeTimeout) * time.Second
}

// GetStopGrace returns the encoder stop grace period as a time.Duration
func (d *DeviceConfig) GetStopGrace() time.Duration {
	return time.Duration(d.StopGrace) * time.Second
}

// GetTimeoutDuration returns the upload timeout as a time.Duration
func (u *UploadConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}
