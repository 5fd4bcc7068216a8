// Package container provides pure-Go output container writers.
//
// WebM is written with ebml-go and fragmented MP4 with mediacommon. Any other
// format is delegated to the media engine's own container writer.
package container

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// Format names accepted by Open.
const (
	FormatWebM = "webm"
	FormatFMP4 = "fmp4"
)

// DetectFormat returns the container format for path. An explicit format
// wins; otherwise the file extension decides. An empty result means the
// engine picks the format.
func DetectFormat(path, format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "webm":
		return FormatWebM
	case "fmp4", "fragmented-mp4":
		return FormatFMP4
	case "":
	default:
		return strings.ToLower(format)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return FormatWebM
	default:
		return ""
	}
}

// Open creates the container writer for path. WebM and fMP4 use the pure-Go
// writers of this package; every other format goes to eng.
func Open(eng media.Engine, path, format string) (media.ContainerWriter, error) {
	resolved := DetectFormat(path, format)

	switch resolved {
	case FormatWebM, FormatFMP4:
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("container: create %s: %w", path, err)
		}
		slog.Info("container: output opened",
			"path", path,
			"format", resolved,
			"writer", "native",
		)
		if resolved == FormatWebM {
			return NewWebM(f), nil
		}
		return NewFMP4(f), nil
	}

	if eng == nil {
		return nil, fmt.Errorf("container: format %q needs a media engine", resolved)
	}
	w, err := eng.OpenContainerWriter(path, resolved)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", path, err)
	}
	slog.Info("container: output opened",
		"path", path,
		"format", resolved,
		"writer", "engine",
	)
	return w, nil
}

// sink wraps the output file and remembers the first write error so that
// later writes fail fast. ebml-go writes from its own goroutine, so the
// state is guarded.
type sink struct {
	w io.WriteCloser

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newSink(w io.WriteCloser) *sink {
	return &sink{w: w, done: make(chan struct{})}
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := s.w.Write(p)
	if err != nil {
		slog.Warn("container: write error, output marked failed",
			"error", err,
			"size", len(p),
			"written", n,
		)
		s.err = err
	}
	return n, err
}

// Err returns the first write error.
func (s *sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is called by ebml-go once every track writer is closed and the
// last cluster is flushed. The file itself is closed by closeFile.
func (s *sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *sink) closeFile() error {
	_ = s.Close()
	return s.w.Close()
}

// codecFamily maps FFmpeg encoder names to the codec they produce.
func codecFamily(name string) string {
	switch strings.ToLower(name) {
	case "h264", "libx264", "libopenh264", "h264_nvenc", "h264_vaapi", "h264_qsv":
		return "h264"
	case "vp8", "libvpx":
		return "vp8"
	case "vp9", "libvpx-vp9":
		return "vp9"
	case "opus", "libopus":
		return "opus"
	case "vorbis", "libvorbis":
		return "vorbis"
	case "aac", "libfdk_aac":
		return "aac"
	default:
		return strings.ToLower(name)
	}
}
