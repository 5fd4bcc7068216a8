// Package config holds the screen-capture configuration.
//
// Values come from defaults, a YAML file, SCREEN_CAPTURE_* environment
// variables and command line flags, in increasing precedence, through viper.
// Load decodes a single YAML file directly for callers that do not need the
// layered lookup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config is the complete recorder configuration.
type Config struct {
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
	Video   VideoConfig   `yaml:"video" mapstructure:"video"`
	Audio   AudioConfig   `yaml:"audio" mapstructure:"audio"`
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	HTTP    HTTPConfig    `yaml:"http" mapstructure:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt" mapstructure:"mqtt"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
}

// OutputConfig selects the output file.
type OutputConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Format string `yaml:"format" mapstructure:"format"` // webm, fmp4 or any avformat muxer; empty guesses from Path
}

// VideoConfig configures screen capture and the video encoder.
type VideoConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Display     string `yaml:"display" mapstructure:"display"`
	InputSize   string `yaml:"input_size" mapstructure:"input_size"`   // captured screen area, WxH
	OutputSize  string `yaml:"output_size" mapstructure:"output_size"` // encoded picture, WxH
	OffsetX     int    `yaml:"offset_x" mapstructure:"offset_x"`
	OffsetY     int    `yaml:"offset_y" mapstructure:"offset_y"`
	FrameRate   int    `yaml:"frame_rate" mapstructure:"frame_rate"`
	DrawMouse   bool   `yaml:"draw_mouse" mapstructure:"draw_mouse"`
	Codec       string `yaml:"codec" mapstructure:"codec"`
	PixelFormat string `yaml:"pixel_format" mapstructure:"pixel_format"`
	BitRate     int64  `yaml:"bit_rate" mapstructure:"bit_rate"`
	GOPSize     int    `yaml:"gop_size" mapstructure:"gop_size"`
	MaxBFrames  int    `yaml:"max_b_frames" mapstructure:"max_b_frames"`
}

// AudioConfig configures microphone capture and the audio encoder.
type AudioConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Device     string `yaml:"device" mapstructure:"device"`
	InputRate  int    `yaml:"input_rate" mapstructure:"input_rate"`
	Channels   int    `yaml:"channels" mapstructure:"channels"`
	OutputRate int    `yaml:"output_rate" mapstructure:"output_rate"`
	Codec      string `yaml:"codec" mapstructure:"codec"`
	BitRate    int64  `yaml:"bit_rate" mapstructure:"bit_rate"`
	TailPolicy string `yaml:"tail_policy" mapstructure:"tail_policy"` // pad or drop
}

// CaptureConfig configures the capture backend and the muxer.
type CaptureConfig struct {
	Backend    string        `yaml:"backend" mapstructure:"backend"`       // gstreamer, avdevice or test
	Interleave string        `yaml:"interleave" mapstructure:"interleave"` // lock or timestamp
	Warmup     time.Duration `yaml:"warmup" mapstructure:"warmup"`         // 0 disables
	Buffer     int           `yaml:"buffer" mapstructure:"buffer"`         // units queued per source
	Threads    int           `yaml:"threads" mapstructure:"threads"`       // codec threads, 0 = auto
	FFmpegLog  string        `yaml:"ffmpeg_log" mapstructure:"ffmpeg_log"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text or json
}

// HTTPConfig configures the status API and /metrics.
type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"` // empty disables the server
}

// MQTTConfig configures the remote control plane.
type MQTTConfig struct {
	Broker   string     `yaml:"broker" mapstructure:"broker"` // empty disables MQTT
	ClientID string     `yaml:"client_id" mapstructure:"client_id"`
	Topics   MQTTTopics `yaml:"topics" mapstructure:"topics"`
	QoS      byte       `yaml:"qos" mapstructure:"qos"`
}

// MQTTTopics holds the control and status topics.
type MQTTTopics struct {
	Control string `yaml:"control" mapstructure:"control"`
	Status  string `yaml:"status" mapstructure:"status"`
}

// StorageConfig configures where finished recordings are published.
type StorageConfig struct {
	Backend         string        `yaml:"backend" mapstructure:"backend"` // none, local or gcs
	Dir             string        `yaml:"dir" mapstructure:"dir"`
	Bucket          string        `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string        `yaml:"prefix" mapstructure:"prefix"`
	CredentialsFile string        `yaml:"credentials_file" mapstructure:"credentials_file"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay" mapstructure:"max_retry_delay"`
}

// Default returns the configuration used when nothing overrides it:
// 1280x720 at 30 fps with MPEG-4 Part 2 video and AAC audio into output.mp4.
func Default() *Config {
	return &Config{
		Output: OutputConfig{Path: "output.mp4"},
		Video: VideoConfig{
			Enabled:    true,
			InputSize:  "1280x720",
			OutputSize: "1280x720",
			FrameRate:  30,
			DrawMouse:  true,
			Codec:      "mpeg4",
			BitRate:    400000,
			GOPSize:    3,
			MaxBFrames: 2,
		},
		Audio: AudioConfig{
			Enabled:    false,
			InputRate:  44100,
			Channels:   2,
			OutputRate: 48000,
			Codec:      "aac",
			BitRate:    96000,
			TailPolicy: "pad",
		},
		Capture: CaptureConfig{
			Backend:    "gstreamer",
			Interleave: "lock",
			Buffer:     16,
			FFmpegLog:  "warning",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		MQTT: MQTTConfig{
			ClientID: "screen-capture",
			QoS:      1,
		},
		Storage: StorageConfig{
			Backend:       "none",
			Dir:           filepath.Join(xdg.UserDirs.Videos, "screen-capture"),
			MaxRetries:    5,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
	}
}

// Load reads a YAML file on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseSize parses "WxH".
func ParseSize(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WxH", s)
	}
	width, err = strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: width: %w", s, err)
	}
	height, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("size %q: height: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("size %q must be positive", s)
	}
	return width, height, nil
}

// InputDims returns the parsed capture size. It assumes Validate passed.
func (v VideoConfig) InputDims() (int, int) {
	w, h, _ := ParseSize(v.InputSize)
	return w, h
}

// OutputDims returns the parsed encode size. It assumes Validate passed.
func (v VideoConfig) OutputDims() (int, int) {
	w, h, _ := ParseSize(v.OutputSize)
	return w, h
}

// ConfigDir is the XDG directory searched for config.yaml.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, "screen-capture")
}
