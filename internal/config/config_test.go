package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "mpeg4", cfg.Video.Codec)
	assert.Equal(t, int64(400000), cfg.Video.BitRate)
	assert.Equal(t, 3, cfg.Video.GOPSize)
	assert.Equal(t, 2, cfg.Video.MaxBFrames)
	assert.Equal(t, "aac", cfg.Audio.Codec)
	assert.Equal(t, int64(96000), cfg.Audio.BitRate)
	assert.Equal(t, "pad", cfg.Audio.TailPolicy)
	assert.Equal(t, "lock", cfg.Capture.Interleave)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
output:
  path: /tmp/rec.webm
video:
  input_size: 1920x1080
  output_size: 1280x720
  offset_x: 100
  frame_rate: 25
  codec: libvpx
audio:
  enabled: true
  output_rate: 48000
  codec: libopus
  tail_policy: drop
capture:
  warmup: 2s
mqtt:
  broker: tcp://localhost:1883
  client_id: desk-1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/rec.webm", cfg.Output.Path)
	w, h := cfg.Video.InputDims()
	assert.Equal(t, [2]int{1920, 1080}, [2]int{w, h})
	w, h = cfg.Video.OutputDims()
	assert.Equal(t, [2]int{1280, 720}, [2]int{w, h})
	assert.Equal(t, 100, cfg.Video.OffsetX)
	assert.Equal(t, 25, cfg.Video.FrameRate)
	assert.True(t, cfg.Audio.Enabled)
	assert.Equal(t, 44100, cfg.Audio.InputRate, "unset keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Capture.Warmup)

	// Topic defaults derive from the client id.
	assert.Equal(t, "screen-capture/control/desk-1", cfg.MQTT.Topics.Control)
	assert.Equal(t, "screen-capture/status/desk-1", cfg.MQTT.Topics.Status)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, "bad.yaml", "video: [unterminated")
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parse")

	invalid := writeFile(t, "invalid.yaml", "video:\n  frame_rate: 0\n")
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "frame_rate")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"no_output", func(c *Config) { c.Output.Path = "" }, "output.path"},
		{"no_streams", func(c *Config) { c.Video.Enabled = false }, "at least one"},
		{"bad_size", func(c *Config) { c.Video.InputSize = "1280" }, "video.input_size"},
		{"zero_size", func(c *Config) { c.Video.OutputSize = "0x720" }, "video.output_size"},
		{"negative_offset", func(c *Config) { c.Video.OffsetY = -5 }, "offset"},
		{"bad_backend", func(c *Config) { c.Capture.Backend = "v4l2" }, "capture.backend"},
		{"bad_interleave", func(c *Config) { c.Capture.Interleave = "random" }, "capture.interleave"},
		{"bad_channels", func(c *Config) { c.Audio.Enabled = true; c.Audio.Channels = 6 }, "audio.channels"},
		{"bad_tail", func(c *Config) { c.Audio.Enabled = true; c.Audio.TailPolicy = "keep" }, "tail_policy"},
		{"bad_log_format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad_qos", func(c *Config) { c.MQTT.Broker = "tcp://x:1883"; c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"gcs_without_bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"bad_retry", func(c *Config) {
			c.Storage.Backend = "local"
			c.Storage.MaxRetryDelay = time.Millisecond
		}, "retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AudioOnly(t *testing.T) {
	cfg := Default()
	cfg.Video.Enabled = false
	cfg.Video.InputSize = "garbage" // ignored when video is disabled
	cfg.Audio.Enabled = true
	assert.NoError(t, Validate(cfg))
}

func TestParseSize(t *testing.T) {
	w, h, err := ParseSize(" 1920X1080 ")
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	for _, bad := range []string{"", "1920", "ax1080", "1920xb", "-1x10"} {
		_, _, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestViper_LayersFileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
video:
  frame_rate: 15
  codec: libx264
output:
  path: from-file.mp4
`)
	t.Setenv("SCREEN_CAPTURE_VIDEO_FRAME_RATE", "24")
	t.Setenv("SCREEN_CAPTURE_CAPTURE_INTERLEAVE", "timestamp")
	t.Setenv("SCREEN_CAPTURE_CAPTURE_WARMUP", "1500ms")

	v := NewViper(path)
	v.Set("output.path", "from-flag.mp4")

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 24, cfg.Video.FrameRate, "env overrides file")
	assert.Equal(t, "libx264", cfg.Video.Codec, "file overrides default")
	assert.Equal(t, "from-flag.mp4", cfg.Output.Path, "explicit set overrides file")
	assert.Equal(t, "timestamp", cfg.Capture.Interleave)
	assert.Equal(t, 1500*time.Millisecond, cfg.Capture.Warmup)
	assert.Equal(t, 400000, int(cfg.Video.BitRate), "defaults survive")
}

func TestViper_NoFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := FromViper(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, Default().Output.Path, cfg.Output.Path)
}
