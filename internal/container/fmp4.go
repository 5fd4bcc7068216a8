package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

const (
	videoTimeScale = 90000
	// audioFragmentSeconds bounds fragments when there is no video track.
	audioFragmentSeconds = 1
	defaultAudioDuration = 1024
)

type fmp4Track struct {
	id        int
	kind      media.Kind
	params    media.EncoderParams
	extra     []byte
	timeScale uint32
	codec     mp4.Codec

	firstDTS int64
	started  bool

	// held waits for the next packet of the track to learn its duration.
	held         *fmp4.Sample
	heldDTS      int64
	lastDuration int64

	samples  []*fmp4.Sample
	baseTime uint64
	count    uint64
}

func (t *fmp4Track) defaultDuration() int64 {
	if t.lastDuration > 0 {
		return t.lastDuration
	}
	if t.kind == media.KindVideo && t.params.FrameRate > 0 {
		return int64(t.timeScale) / int64(t.params.FrameRate)
	}
	return defaultAudioDuration
}

// release moves the held sample into the current fragment with duration
// nextDTS - heldDTS, or the previous duration when nextDTS is unknown.
func (t *fmp4Track) release(nextDTS int64, known bool) {
	if t.held == nil {
		return
	}
	dur := t.defaultDuration()
	if known && nextDTS > t.heldDTS {
		dur = nextDTS - t.heldDTS
	}
	t.held.Duration = uint32(dur)
	t.lastDuration = dur

	if len(t.samples) == 0 {
		t.baseTime = uint64(t.heldDTS - t.firstDTS)
	}
	t.samples = append(t.samples, t.held)
	t.held = nil
}

// span returns the duration in ticks of the samples in the fragment.
func (t *fmp4Track) span() int64 {
	var d int64
	for _, s := range t.samples {
		d += int64(s.Duration)
	}
	return d
}

// FMP4 writes a fragmented MP4 file with H.264 video and AAC audio. A new
// fragment starts at every video keyframe, or every second when there is no
// video track.
//
// Not safe for concurrent use; the muxer serializes calls.
type FMP4 struct {
	out    *sink
	tracks []*fmp4Track
	video  *fmp4Track
	seq    uint32

	headerWritten  bool
	trailerWritten bool
	closed         bool
}

// NewFMP4 returns an fMP4 writer on w. w is closed by Close.
func NewFMP4(w io.WriteCloser) *FMP4 {
	return &FMP4{out: newSink(w), seq: 1}
}

// AddStream registers the output of enc as a new track.
func (m *FMP4) AddStream(enc media.Encoder) (int, error) {
	if m.headerWritten {
		return 0, fmt.Errorf("container: fmp4: add stream after header")
	}
	p := enc.Params()
	t := &fmp4Track{
		id:     len(m.tracks) + 1,
		kind:   p.Kind,
		params: p,
		extra:  append([]byte(nil), enc.ExtraData()...),
	}

	switch family := codecFamily(p.Codec); {
	case p.Kind == media.KindVideo && family == "h264":
		if m.video != nil {
			return 0, fmt.Errorf("container: fmp4: only one video track is supported")
		}
		t.timeScale = videoTimeScale
		m.video = t
	case p.Kind == media.KindAudio && family == "aac":
		if p.SampleRate <= 0 {
			return 0, fmt.Errorf("container: fmp4: invalid audio sample rate %d", p.SampleRate)
		}
		t.timeScale = uint32(p.SampleRate)
	default:
		return 0, fmt.Errorf("container: fmp4: %s codec %q is not supported (want h264 or aac)", p.Kind, p.Codec)
	}

	m.tracks = append(m.tracks, t)
	return len(m.tracks) - 1, nil
}

// GlobalHeader reports true: SPS/PPS and the AudioSpecificConfig are read
// from encoder extradata.
func (m *FMP4) GlobalHeader() bool { return true }

// StreamTimeBase returns 1/90000 for video and 1/sample_rate for audio.
func (m *FMP4) StreamTimeBase(index int) timebase.Rational {
	if index < 0 || index >= len(m.tracks) {
		return timebase.MPEG
	}
	return timebase.New(1, int(m.tracks[index].timeScale))
}

// WriteHeader writes the initialization segment (ftyp + moov).
func (m *FMP4) WriteHeader() error {
	if m.headerWritten {
		return fmt.Errorf("container: fmp4: header already written")
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("container: fmp4: no tracks")
	}

	init := &fmp4.Init{}
	for _, t := range m.tracks {
		codec, err := trackCodec(t)
		if err != nil {
			return err
		}
		t.codec = codec
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("container: fmp4: marshal init segment: %w", err)
	}
	if _, err := m.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("container: fmp4: write init segment: %w", err)
	}
	m.headerWritten = true

	slog.Info("container: fmp4 init segment written",
		"tracks", len(m.tracks),
		"size", len(buf.Bytes()),
	)
	return nil
}

func trackCodec(t *fmp4Track) (mp4.Codec, error) {
	if t.kind == media.KindVideo {
		sps, pps, err := parameterSets(t.extra)
		if err != nil {
			return nil, fmt.Errorf("container: fmp4: h264 extradata: %w", err)
		}
		return &mp4.CodecH264{SPS: sps, PPS: pps}, nil
	}

	var conf mpeg4audio.AudioSpecificConfig
	if len(t.extra) > 0 {
		if err := conf.Unmarshal(t.extra); err != nil {
			return nil, fmt.Errorf("container: fmp4: aac extradata: %w", err)
		}
	} else {
		conf = mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   t.params.SampleRate,
			ChannelCount: t.params.Channels,
		}
	}
	return &mp4.CodecMPEG4Audio{Config: conf}, nil
}

// WritePacket adds p to the current fragment. Each sample is held until the
// next packet of its track arrives so its duration is known.
func (m *FMP4) WritePacket(p *media.Packet) error {
	if !m.headerWritten {
		return fmt.Errorf("container: fmp4: packet before header")
	}
	if m.trailerWritten {
		return fmt.Errorf("container: fmp4: packet after trailer")
	}
	if p.StreamIndex < 0 || p.StreamIndex >= len(m.tracks) {
		return fmt.Errorf("container: fmp4: unknown stream %d", p.StreamIndex)
	}
	t := m.tracks[p.StreamIndex]

	dts := p.OrderTS()
	if dts == timebase.NoPTS {
		return fmt.Errorf("container: fmp4: %s packet without timestamp", t.kind)
	}
	pts := p.PTS
	if pts == timebase.NoPTS {
		pts = dts
	}
	if !t.started {
		t.firstDTS = dts
		t.started = true
	}
	if t.held != nil && dts < t.heldDTS {
		return fmt.Errorf("container: fmp4: %s dts %d before previous %d", t.kind, dts, t.heldDTS)
	}

	var payload []byte
	if t.kind == media.KindVideo {
		avcc, err := toAVCC(p.Data)
		if err != nil {
			return fmt.Errorf("container: fmp4: video sample: %w", err)
		}
		payload = avcc
	} else {
		payload = stripADTS(p.Data)
	}
	if len(payload) == 0 {
		return nil
	}

	t.release(dts, true)

	if m.video != nil {
		if t == m.video && p.Keyframe {
			if err := m.flushFragment(); err != nil {
				return err
			}
		}
	} else if t.span() >= int64(t.timeScale)*audioFragmentSeconds {
		if err := m.flushFragment(); err != nil {
			return err
		}
	}

	t.held = &fmp4.Sample{
		PTSOffset:       int32(pts - dts),
		IsNonSyncSample: !p.Keyframe,
		Payload:         payload,
	}
	t.heldDTS = dts
	if p.Duration > 0 {
		t.lastDuration = p.Duration
	}
	t.count++
	return nil
}

// flushFragment writes one moof+mdat with every released sample.
func (m *FMP4) flushFragment() error {
	part := &fmp4.Part{SequenceNumber: m.seq}
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("container: fmp4: marshal fragment %d: %w", m.seq, err)
	}
	if _, err := m.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("container: fmp4: write fragment %d: %w", m.seq, err)
	}

	slog.Debug("container: fmp4 fragment written",
		"sequence", m.seq,
		"tracks", len(part.Tracks),
		"size", len(buf.Bytes()),
	)
	for _, t := range m.tracks {
		t.samples = nil
	}
	m.seq++
	return nil
}

// WriteTrailer releases the last held sample of every track and writes the
// final fragment.
func (m *FMP4) WriteTrailer() error {
	if !m.headerWritten {
		return fmt.Errorf("container: fmp4: trailer before header")
	}
	if m.trailerWritten {
		return fmt.Errorf("container: fmp4: trailer already written")
	}
	m.trailerWritten = true

	for _, t := range m.tracks {
		t.release(0, false)
	}
	err := m.flushFragment()

	counts := make([]uint64, len(m.tracks))
	for i, t := range m.tracks {
		counts[i] = t.count
	}
	slog.Info("container: fmp4 finalized",
		"fragments", m.seq-1,
		"samples", counts,
	)
	return errors.Join(err, m.out.Err())
}

// Close closes the output file.
func (m *FMP4) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.out.closeFile()
}
