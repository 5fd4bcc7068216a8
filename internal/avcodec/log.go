package avcodec

import (
	"context"
	"log/slog"
	"strings"

	"github.com/asticode/go-astiav"
)

// installLogBridge routes FFmpeg log lines into slog.
func installLogBridge(level string) {
	astiav.SetLogLevel(ffmpegLogLevel(level))
	astiav.SetLogCallback(func(c astiav.Classer, l astiav.LogLevel, _, msg string) {
		msg = strings.TrimSpace(msg)
		if msg == "" {
			return
		}
		attrs := []any{"ffmpeg_level", int(l)}
		if c != nil {
			if cl := c.Class(); cl != nil {
				attrs = append(attrs, "class", cl.Name())
			}
		}
		slog.Log(context.Background(), slogLevel(l), "avcodec: ffmpeg: "+msg, attrs...)
	})
}

func ffmpegLogLevel(level string) astiav.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return astiav.LogLevelError
	case "info":
		return astiav.LogLevelInfo
	case "debug":
		return astiav.LogLevelDebug
	default:
		return astiav.LogLevelWarning
	}
}

func slogLevel(l astiav.LogLevel) slog.Level {
	switch {
	case l <= astiav.LogLevelError:
		return slog.LevelError
	case l <= astiav.LogLevelWarning:
		return slog.LevelWarn
	case l <= astiav.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
