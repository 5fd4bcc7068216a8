package config

import (
	"fmt"
	"strings"
)

// Validate checks cfg and fills topic defaults that depend on other fields.
func Validate(cfg *Config) error {
	if cfg.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if !cfg.Video.Enabled && !cfg.Audio.Enabled {
		return fmt.Errorf("at least one of video.enabled and audio.enabled must be true")
	}

	if cfg.Video.Enabled {
		if err := validateVideo(cfg.Video); err != nil {
			return err
		}
	}
	if cfg.Audio.Enabled {
		if err := validateAudio(cfg.Audio); err != nil {
			return err
		}
	}

	switch cfg.Capture.Backend {
	case "gstreamer", "avdevice", "test":
	default:
		return fmt.Errorf("capture.backend must be gstreamer, avdevice or test, got %q", cfg.Capture.Backend)
	}
	switch cfg.Capture.Interleave {
	case "lock", "timestamp":
	default:
		return fmt.Errorf("capture.interleave must be lock or timestamp, got %q", cfg.Capture.Interleave)
	}
	if cfg.Capture.Warmup < 0 {
		return fmt.Errorf("capture.warmup must be >= 0")
	}
	if cfg.Capture.Buffer <= 0 {
		cfg.Capture.Buffer = 16
	}
	if cfg.Capture.Threads < 0 {
		return fmt.Errorf("capture.threads must be >= 0")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "screen-capture"
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("screen-capture/control/%s", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("screen-capture/status/%s", cfg.MQTT.ClientID)
		}
	}

	return validateStorage(cfg.Storage)
}

func validateVideo(v VideoConfig) error {
	if err := sizeField("video.input_size", v.InputSize); err != nil {
		return err
	}
	if err := sizeField("video.output_size", v.OutputSize); err != nil {
		return err
	}
	if v.OffsetX < 0 || v.OffsetY < 0 {
		return fmt.Errorf("video offset must be >= 0, got %d,%d", v.OffsetX, v.OffsetY)
	}
	if v.FrameRate <= 0 || v.FrameRate > 240 {
		return fmt.Errorf("video.frame_rate must be in 1..240, got %d", v.FrameRate)
	}
	if v.Codec == "" {
		return fmt.Errorf("video.codec is required")
	}
	if v.BitRate <= 0 {
		return fmt.Errorf("video.bit_rate must be > 0")
	}
	if v.GOPSize < 0 || v.MaxBFrames < 0 {
		return fmt.Errorf("video.gop_size and video.max_b_frames must be >= 0")
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.InputRate <= 0 || a.OutputRate <= 0 {
		return fmt.Errorf("audio rates must be > 0, got input %d output %d", a.InputRate, a.OutputRate)
	}
	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", a.Channels)
	}
	if a.Codec == "" {
		return fmt.Errorf("audio.codec is required")
	}
	if a.BitRate <= 0 {
		return fmt.Errorf("audio.bit_rate must be > 0")
	}
	switch a.TailPolicy {
	case "pad", "drop":
	default:
		return fmt.Errorf("audio.tail_policy must be pad or drop, got %q", a.TailPolicy)
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch s.Backend {
	case "", "none":
		return nil
	case "local":
		if s.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local backend")
		}
	case "gcs":
		if s.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, local or gcs, got %q", s.Backend)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries must be >= 0")
	}
	if s.RetryDelay <= 0 || s.MaxRetryDelay < s.RetryDelay {
		return fmt.Errorf("storage retry delays must satisfy 0 < retry_delay <= max_retry_delay")
	}
	return nil
}

func sizeField(name, value string) error {
	if _, _, err := ParseSize(value); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
