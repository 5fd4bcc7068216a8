package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media/mediatest"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/session"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/timebase"
)

type videoFixture struct {
	video   *Video
	writer  *mediatest.Writer
	encoder *mediatest.Encoder
	session *session.Session
}

func newVideoFixture(t *testing.T, eng *mediatest.Engine, src media.Source, fps int) *videoFixture {
	t.Helper()

	dec, err := eng.OpenDecoder(src.Params())
	if err != nil {
		t.Fatal(err)
	}
	enc, err := eng.OpenEncoder(media.EncoderParams{
		Kind:        media.KindVideo,
		Codec:       "mpeg4",
		Width:       1280,
		Height:      720,
		PixelFormat: "yuv420p",
		FrameRate:   fps,
		GOPSize:     3,
		MaxBFrames:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	scaler, _ := eng.OpenScaler(src.Params().VideoFormat(), enc.Params().VideoFormat())
	sc, err := NewStreamContext(media.KindVideo, dec, enc, 0, timebase.MPEG)
	if err != nil {
		t.Fatal(err)
	}

	writer := mediatest.NewWriter()
	sess := session.New()
	v, err := NewVideo(VideoConfig{Source: src, Stream: sc, Scaler: scaler, Writer: writer, Gate: sess})
	if err != nil {
		t.Fatal(err)
	}
	return &videoFixture{video: v, writer: writer, encoder: enc.(*mediatest.Encoder), session: sess}
}

type audioFixture struct {
	audio   *Audio
	writer  *mediatest.Writer
	encoder *mediatest.Encoder
	session *session.Session
}

func newAudioFixture(t *testing.T, eng *mediatest.Engine, src media.Source, outRate int, tail TailPolicy) *audioFixture {
	t.Helper()

	dec, err := eng.OpenDecoder(src.Params())
	if err != nil {
		t.Fatal(err)
	}
	enc, err := eng.OpenEncoder(media.EncoderParams{
		Kind:         media.KindAudio,
		Codec:        "aac",
		SampleRate:   outRate,
		Channels:     2,
		SampleFormat: media.SampleFormatFLTP,
	})
	if err != nil {
		t.Fatal(err)
	}
	rs, err := eng.OpenResampler(src.Params().AudioFormat(), enc.Params().AudioFormat())
	if err != nil {
		t.Fatal(err)
	}
	sc, err := NewStreamContext(media.KindAudio, dec, enc, 1, timebase.SampleRate(outRate))
	if err != nil {
		t.Fatal(err)
	}

	writer := mediatest.NewWriter()
	sess := session.New()
	a, err := NewAudio(AudioConfig{Source: src, Stream: sc, Resampler: rs, Writer: writer, Gate: sess, Tail: tail})
	if err != nil {
		t.Fatal(err)
	}
	return &audioFixture{audio: a, writer: writer, encoder: enc.(*mediatest.Encoder), session: sess}
}

func videoSource(units []*media.Unit, fps int, block bool) *mediatest.ScriptSource {
	return &mediatest.ScriptSource{
		P: media.SourceParams{
			Kind:        media.KindVideo,
			CodecName:   "rawvideo",
			TimeBase:    timebase.Nanosecond,
			Width:       1920,
			Height:      1080,
			PixelFormat: "bgr0",
			FrameRate:   fps,
		},
		Units: units,
		Block: block,
	}
}

func audioSource(units []*media.Unit, rate int, block bool) *mediatest.ScriptSource {
	return &mediatest.ScriptSource{
		P: media.SourceParams{
			Kind:         media.KindAudio,
			CodecName:    "pcm_s16le",
			TimeBase:     timebase.Nanosecond,
			SampleRate:   rate,
			Channels:     2,
			SampleFormat: media.SampleFormatS16,
		},
		Units: units,
		Block: block,
	}
}

func TestNewStreamContext_Validation(t *testing.T) {
	eng := &mediatest.Engine{}
	enc, _ := eng.OpenEncoder(media.EncoderParams{Kind: media.KindVideo, FrameRate: 30})
	if _, err := NewStreamContext(media.KindVideo, nil, enc, 0, timebase.MPEG); err == nil {
		t.Error("expected error for missing decoder")
	}
	dec, _ := eng.OpenDecoder(media.SourceParams{TimeBase: timebase.Nanosecond})
	if _, err := NewStreamContext(media.KindVideo, dec, enc, 0, timebase.Rational{}); err == nil {
		t.Error("expected error for invalid stream time base")
	}
}

func TestStreamContext_StartTimeSetOnce(t *testing.T) {
	eng := &mediatest.Engine{}
	enc, _ := eng.OpenEncoder(media.EncoderParams{Kind: media.KindVideo, FrameRate: 30})
	dec, _ := eng.OpenDecoder(media.SourceParams{TimeBase: timebase.Nanosecond})
	sc, _ := NewStreamContext(media.KindVideo, dec, enc, 0, timebase.MPEG)

	if sc.StartTime() != timebase.NoPTS {
		t.Fatalf("StartTime() = %d before first frame, want NoPTS", sc.StartTime())
	}
	if !sc.SetStartTime(500) {
		t.Error("first SetStartTime should record")
	}
	if sc.SetStartTime(900) {
		t.Error("second SetStartTime must not overwrite")
	}
	if sc.StartTime() != 500 {
		t.Errorf("StartTime() = %d, want 500", sc.StartTime())
	}
}

func TestNewVideo_Validation(t *testing.T) {
	if _, err := NewVideo(VideoConfig{}); err == nil {
		t.Error("expected error for empty config")
	}
}

// TestVideo_PacketCountAndOrder checks that N units produce between 0 and N
// packets with non-decreasing timestamps, and that draining the encoder on
// exit recovers every buffered picture.
func TestVideo_PacketCountAndOrder(t *testing.T) {
	const n = 30
	eng := &mediatest.Engine{VideoDelay: 2}
	f := newVideoFixture(t, eng, videoSource(mediatest.VideoUnits(n, 30), 30, false), 30)

	f.session.Start()
	if err := f.video.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	packets := f.writer.PacketsOf(media.KindVideo)
	if len(packets) > n {
		t.Fatalf("%d packets for %d units", len(packets), n)
	}
	if len(packets) != n {
		t.Errorf("got %d packets, want %d after encoder drain", len(packets), n)
	}
	for i := 1; i < len(packets); i++ {
		if packets[i].PTS < packets[i-1].PTS {
			t.Fatalf("packet %d pts %d < previous %d", i, packets[i].PTS, packets[i-1].PTS)
		}
	}
	// One frame at 30 fps is 3000 ticks of the 90 kHz stream clock.
	if packets[1].PTS-packets[0].PTS != 3000 {
		t.Errorf("frame spacing = %d, want 3000", packets[1].PTS-packets[0].PTS)
	}

	st := f.video.Stats()
	if st.Units != n || st.Frames != n || st.Packets != n {
		t.Errorf("stats = %+v", st)
	}
	t.Logf("✅ %d units → %d packets, pts non-decreasing", n, len(packets))
}

func TestVideo_DiscardsForeignUnits(t *testing.T) {
	units := mediatest.VideoUnits(4, 30)
	units = append(units[:2], append([]*media.Unit{{Kind: media.KindAudio, Data: []byte{1, 2}}}, units[2:]...)...)

	f := newVideoFixture(t, &mediatest.Engine{}, videoSource(units, 30, false), 30)
	f.session.Start()
	if err := f.video.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := len(f.writer.Packets()); got != 4 {
		t.Errorf("packets = %d, want 4", got)
	}
	if st := f.video.Stats(); st.Foreign != 1 {
		t.Errorf("Foreign = %d, want 1", st.Foreign)
	}
}

func TestVideo_DropsNonIncreasingTimestamps(t *testing.T) {
	units := mediatest.VideoUnits(3, 30)
	// Same instant as the previous unit, rounds to the same encoder tick.
	dup := &media.Unit{Kind: media.KindVideo, PTS: units[2].PTS + 1000, Data: []byte{0}}
	units = append(units, dup)

	f := newVideoFixture(t, &mediatest.Engine{}, videoSource(units, 30, false), 30)
	f.session.Start()
	if err := f.video.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if st := f.video.Stats(); st.Dropped != 1 || st.Frames != 3 {
		t.Errorf("Dropped=%d Frames=%d, want 1 and 3", st.Dropped, st.Frames)
	}
}

// pausingSource pauses and resumes the session right before handing out
// unit at index resumeAt, simulating a pause between two reads.
type pausingSource struct {
	*mediatest.ScriptSource
	sess     *session.Session
	resumeAt int
	reads    int
}

func (p *pausingSource) Read(ctx context.Context) (*media.Unit, error) {
	if p.reads == p.resumeAt {
		p.sess.Pause()
		p.sess.Start()
	}
	p.reads++
	return p.ScriptSource.Read(ctx)
}

func TestVideo_CollapsesPauseGap(t *testing.T) {
	units := mediatest.VideoUnits(10, 30)
	// Units after the pause arrive five seconds later.
	for _, u := range units[5:] {
		u.PTS += int64(5 * time.Second)
	}

	eng := &mediatest.Engine{}
	src := &pausingSource{ScriptSource: videoSource(units, 30, false), resumeAt: 5}
	f := newVideoFixture(t, eng, src, 30)
	src.sess = f.session

	f.session.Start()
	if err := f.video.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i, pts := range f.encoder.FramePTS {
		if pts != int64(i) {
			t.Fatalf("encoder frame %d pts = %d, want %d (gap not collapsed): %v", i, pts, i, f.encoder.FramePTS)
		}
	}
}

func TestVideo_StaleUnitsDropped(t *testing.T) {
	f := newVideoFixture(t, &mediatest.Engine{}, videoSource(nil, 30, false), 30)
	f.session.Start()
	f.session.Pause()
	f.session.Start()
	_, resumed := f.session.LastResume()

	units := mediatest.VideoUnits(4, 30)
	units[0].CapturedAt = resumed.Add(-time.Second)
	units[1].CapturedAt = resumed.Add(-time.Millisecond)
	units[2].CapturedAt = resumed.Add(time.Millisecond)
	units[3].CapturedAt = resumed.Add(time.Second)
	f.video.source = videoSource(units, 30, false)

	if err := f.video.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := f.video.Stats(); st.Stale != 2 || st.Packets != 2 {
		t.Errorf("Stale=%d Packets=%d, want 2 and 2", st.Stale, st.Packets)
	}
}

func TestVideo_EncodeErrorIsReturned(t *testing.T) {
	eng := &mediatest.Engine{EncodeErrAfter: 3}
	f := newVideoFixture(t, eng, videoSource(mediatest.VideoUnits(10, 30), 30, false), 30)
	f.session.Start()

	err := f.video.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "injected encode failure") {
		t.Fatalf("Run() error = %v, want injected encode failure", err)
	}
	if got := len(f.writer.Packets()); got != 3 {
		t.Errorf("packets = %d, want the 3 encoded before the failure", got)
	}
}

func TestVideo_WriteErrorIsReturned(t *testing.T) {
	f := newVideoFixture(t, &mediatest.Engine{}, videoSource(mediatest.VideoUnits(10, 30), 30, false), 30)
	f.writer.FailAfter = 2
	f.session.Start()

	err := f.video.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "video write") {
		t.Fatalf("Run() error = %v, want write error", err)
	}
}

// TestEnd_UnblocksPausedPipelines checks that both loops exit after End even
// though the session was paused and the sources would block forever.
func TestEnd_UnblocksPausedPipelines(t *testing.T) {
	vf := newVideoFixture(t, &mediatest.Engine{}, videoSource(mediatest.VideoUnits(3, 30), 30, true), 30)
	sess := vf.session

	af := newAudioFixture(t, &mediatest.Engine{}, audioSource(mediatest.AudioUnits(44100, 2, 441, 441), 44100, true), 48000, TailPad)
	af.audio.gate = sess

	sess.Start()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, run := range []func(context.Context) error{vf.video.Run, af.audio.Run} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			errs <- run(context.Background())
		}(run)
	}

	time.Sleep(50 * time.Millisecond)
	sess.Pause()
	time.Sleep(20 * time.Millisecond)
	sess.End()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipelines still running after End()")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}
}

// TestAudio_TimestampsFollowSampleCounter checks that audio packets are an
// arithmetic sequence with step frame_size regardless of input unit sizes,
// with the input resampled from 44.1 kHz to 48 kHz.
func TestAudio_TimestampsFollowSampleCounter(t *testing.T) {
	counts := []int{441, 1000, 37, 2048, 5, 900, 4410, 1, 333, 1234, 441, 441}
	f := newAudioFixture(t, &mediatest.Engine{}, audioSource(mediatest.AudioUnits(44100, 2, counts...), 44100, false), 48000, TailDrop)

	f.session.Start()
	if err := f.audio.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var in int
	for _, c := range counts {
		in += c
	}
	out := in * 48000 / 44100
	wantFrames := out / 1024

	packets := f.writer.PacketsOf(media.KindAudio)
	if len(packets) != wantFrames {
		t.Fatalf("packets = %d, want %d", len(packets), wantFrames)
	}
	for i, p := range packets {
		if p.PTS != int64(i*1024) {
			t.Fatalf("packet %d pts = %d, want %d", i, p.PTS, i*1024)
		}
		if p.Duration != 1024 {
			t.Fatalf("packet %d duration = %d, want 1024", i, p.Duration)
		}
	}
	t.Logf("✅ %d audio packets, pts step 1024", len(packets))
}

func TestAudio_RefusedFramesAreResent(t *testing.T) {
	counts := []int{1024, 1024, 1024, 1024, 1024, 1024, 1024, 1024}
	f := newAudioFixture(t, &mediatest.Engine{RefuseEvery: 3}, audioSource(mediatest.AudioUnits(48000, 2, counts...), 48000, false), 48000, TailPad)

	f.session.Start()
	if err := f.audio.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if f.encoder.Refused() == 0 {
		t.Fatal("encoder never refused a frame")
	}
	for i, pts := range f.encoder.FramePTS {
		if pts != int64(i*1024) {
			t.Fatalf("encoded frame %d pts = %d, want %d (%v)", i, pts, i*1024, f.encoder.FramePTS)
		}
	}
	packets := f.writer.PacketsOf(media.KindAudio)
	if len(packets) != len(counts) {
		t.Fatalf("packets = %d, want %d", len(packets), len(counts))
	}
	for i, p := range packets {
		if p.PTS != int64(i*1024) {
			t.Fatalf("packet %d pts = %d, want %d", i, p.PTS, i*1024)
		}
	}

	st := f.audio.Stats()
	if st.Frames != uint64(len(counts)) || st.Packets != st.Frames {
		t.Errorf("stats = %+v", st)
	}
	if st.Refused == 0 {
		t.Errorf("refused sends not counted: %+v", st)
	}
	t.Logf("✅ %d refused sends resent, %d contiguous audio frames", st.Refused, len(packets))
}

func TestVideo_RefusedFramesAreResent(t *testing.T) {
	const n = 12
	f := newVideoFixture(t, &mediatest.Engine{RefuseEvery: 3}, videoSource(mediatest.VideoUnits(n, 30), 30, false), 30)

	f.session.Start()
	if err := f.video.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if f.encoder.Refused() == 0 {
		t.Fatal("encoder never refused a frame")
	}
	if len(f.encoder.FramePTS) != n {
		t.Fatalf("encoded %d frames, want %d", len(f.encoder.FramePTS), n)
	}
	packets := f.writer.PacketsOf(media.KindVideo)
	if len(packets) != n {
		t.Fatalf("packets = %d, want %d", len(packets), n)
	}
	for i := 1; i < len(packets); i++ {
		if d := packets[i].PTS - packets[i-1].PTS; d != 3000 {
			t.Fatalf("packet %d spacing = %d, want 3000", i, d)
		}
	}

	st := f.video.Stats()
	if st.Units != n || st.Frames != n || st.Packets != n || st.Refused == 0 {
		t.Errorf("stats = %+v", st)
	}
	t.Logf("✅ %d refused sends resent, %d frames without gaps", st.Refused, n)
}

func TestVideo_PersistentRefusalFails(t *testing.T) {
	f := newVideoFixture(t, &mediatest.Engine{RefuseEvery: 1}, videoSource(mediatest.VideoUnits(3, 30), 30, false), 30)

	f.session.Start()
	err := f.video.Run(context.Background())
	if !errors.Is(err, media.ErrNeedMore) {
		t.Fatalf("Run() error = %v, want wrapped ErrNeedMore", err)
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("error %q does not say the input was refused", err)
	}
	t.Logf("✅ %v", err)
}

func TestAudio_TailPolicy(t *testing.T) {
	counts := []int{441, 441, 441, 441, 441} // 2205 in → 2400 out → 2 frames + 352
	tests := []struct {
		tail       TailPolicy
		wantFrames int
	}{
		{TailPad, 3},
		{TailDrop, 2},
	}

	for _, tt := range tests {
		t.Run(tt.tail.String(), func(t *testing.T) {
			f := newAudioFixture(t, &mediatest.Engine{}, audioSource(mediatest.AudioUnits(44100, 2, counts...), 44100, false), 48000, tt.tail)
			f.session.Start()
			if err := f.audio.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := f.encoder.Frames(); got != tt.wantFrames {
				t.Errorf("encoded frames = %d, want %d", got, tt.wantFrames)
			}
			st := f.audio.Stats()
			if st.FIFOResidual != 0 {
				t.Errorf("FIFOResidual = %d after shutdown, want 0", st.FIFOResidual)
			}
			if st.NextPTS != int64(tt.wantFrames*1024) {
				t.Errorf("NextPTS = %d, want %d", st.NextPTS, tt.wantFrames*1024)
			}
		})
	}
}

func TestAudio_ResidualBelowFrameSizeWhileRunning(t *testing.T) {
	counts := []int{100, 3000, 7, 1500, 2048, 999}
	src := audioSource(mediatest.AudioUnits(48000, 2, counts...), 48000, false)
	f := newAudioFixture(t, &mediatest.Engine{}, src, 48000, TailDrop)

	residuals := &residualObserver{}
	f.audio.obs = residuals
	f.session.Start()
	if err := f.audio.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, r := range residuals.values {
		if r >= f.audio.FrameSize() {
			t.Fatalf("residual %d = %d, not below frame size %d", i, r, f.audio.FrameSize())
		}
	}
}

type residualObserver struct {
	nopObserver
	values []int
}

func (o *residualObserver) FIFOResidual(n int) { o.values = append(o.values, n) }

func TestParseTailPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    TailPolicy
		wantErr bool
	}{
		{"pad", TailPad, false},
		{"", TailPad, false},
		{"DROP", TailDrop, false},
		{"truncate", TailPad, true},
	}
	for _, tt := range tests {
		got, err := ParseTailPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTailPolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}
