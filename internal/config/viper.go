package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// SCREEN_CAPTURE_VIDEO_FRAME_RATE=25.
const EnvPrefix = "SCREEN_CAPTURE"

// NewViper returns a viper instance carrying the defaults, the environment
// binding and the config file search path. An empty configFile searches for
// config.yaml in the working directory and the XDG config home.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}
	return v
}

// FromViper reads the config file, if any, and decodes and validates the
// merged configuration. Flags must be bound before calling it.
func FromViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("output.path", d.Output.Path)
	v.SetDefault("output.format", d.Output.Format)

	v.SetDefault("video.enabled", d.Video.Enabled)
	v.SetDefault("video.display", d.Video.Display)
	v.SetDefault("video.input_size", d.Video.InputSize)
	v.SetDefault("video.output_size", d.Video.OutputSize)
	v.SetDefault("video.offset_x", d.Video.OffsetX)
	v.SetDefault("video.offset_y", d.Video.OffsetY)
	v.SetDefault("video.frame_rate", d.Video.FrameRate)
	v.SetDefault("video.draw_mouse", d.Video.DrawMouse)
	v.SetDefault("video.codec", d.Video.Codec)
	v.SetDefault("video.pixel_format", d.Video.PixelFormat)
	v.SetDefault("video.bit_rate", d.Video.BitRate)
	v.SetDefault("video.gop_size", d.Video.GOPSize)
	v.SetDefault("video.max_b_frames", d.Video.MaxBFrames)

	v.SetDefault("audio.enabled", d.Audio.Enabled)
	v.SetDefault("audio.device", d.Audio.Device)
	v.SetDefault("audio.input_rate", d.Audio.InputRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.output_rate", d.Audio.OutputRate)
	v.SetDefault("audio.codec", d.Audio.Codec)
	v.SetDefault("audio.bit_rate", d.Audio.BitRate)
	v.SetDefault("audio.tail_policy", d.Audio.TailPolicy)

	v.SetDefault("capture.backend", d.Capture.Backend)
	v.SetDefault("capture.interleave", d.Capture.Interleave)
	v.SetDefault("capture.warmup", d.Capture.Warmup)
	v.SetDefault("capture.buffer", d.Capture.Buffer)
	v.SetDefault("capture.threads", d.Capture.Threads)
	v.SetDefault("capture.ffmpeg_log", d.Capture.FFmpegLog)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("http.addr", d.HTTP.Addr)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topics.control", d.MQTT.Topics.Control)
	v.SetDefault("mqtt.topics.status", d.MQTT.Topics.Status)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.credentials_file", d.Storage.CredentialsFile)
	v.SetDefault("storage.max_retries", d.Storage.MaxRetries)
	v.SetDefault("storage.retry_delay", d.Storage.RetryDelay)
	v.SetDefault("storage.max_retry_delay", d.Storage.MaxRetryDelay)
}
