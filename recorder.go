package screencapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/avcodec"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/container"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/muxer"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/session"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/storage"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/warmup"
)

// Recorder owns one recording: its sources, codecs, muxer, session and the
// two pipeline goroutines.
//
// Thread-safety: Start, Pause, End, Stats and Status are safe from any
// goroutine. Open, Run and Wait are meant for the controlling goroutine.
type Recorder struct {
	cfg        *config.Config
	id         string
	interleave muxer.Interleave
	tail       pipeline.TailPolicy

	engine    media.Engine
	videoSrc  media.Source
	audioSrc  media.Source
	metrics   *metrics.Metrics
	publisher storage.Publisher

	session *session.Session

	mu        sync.Mutex
	opened    bool
	running   bool
	finished  bool
	released  bool
	startedAt time.Time
	listeners []func(State)

	writer      media.ContainerWriter
	mux         *muxer.Muxer
	scaler      media.Scaler
	resampler   media.Resampler
	pending     []*streamSetup
	videoStream *pipeline.StreamContext
	audioStream *pipeline.StreamContext
	video       *pipeline.Video
	audio       *pipeline.Audio

	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu   sync.Mutex
	runErrs []error

	waitOnce sync.Once
	waitErr  error
}

// streamSetup holds codec handles opened before the header is written.
type streamSetup struct {
	kind  media.Kind
	dec   media.Decoder
	enc   media.Encoder
	index int
}

// NewRecorder validates cfg and returns an idle recorder. Nothing is opened
// until Open.
func NewRecorder(cfg *config.Config, opts ...Option) (*Recorder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("screen-capture: config is required")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("screen-capture: invalid configuration: %w", err)
	}
	interleave, err := muxer.ParseInterleave(cfg.Capture.Interleave)
	if err != nil {
		return nil, fmt.Errorf("screen-capture: %w", err)
	}
	tail, err := pipeline.ParseTailPolicy(cfg.Audio.TailPolicy)
	if err != nil {
		return nil, fmt.Errorf("screen-capture: %w", err)
	}

	r := &Recorder{
		cfg:        cfg,
		id:         uuid.NewString(),
		interleave: interleave,
		tail:       tail,
		session:    session.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.session.OnStateChange(r.notifyState)
	return r, nil
}

// ID returns the recording id.
func (r *Recorder) ID() string { return r.id }

// OnStateChange adds fn to the session state listeners. Listeners see
// transitions in order; fn must not block or call Start, Pause or End.
func (r *Recorder) OnStateChange(fn func(State)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Recorder) notifyState(s State) {
	if r.metrics != nil {
		r.metrics.RecordSessionState(s)
	}
	r.mu.Lock()
	listeners := make([]func(State), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// Open performs the whole setup: sources, decoders, encoders, scaler,
// resampler and container writer, then writes the header. On failure
// everything opened so far is released and no goroutine is started. A
// Recorder can be opened once.
func (r *Recorder) Open(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opened || r.released {
		return ErrAlreadyOpen
	}
	defer func() {
		if err != nil {
			if rerr := r.releaseLocked(); rerr != nil {
				slog.Warn("screen-capture: release after failed open", "error", rerr)
			}
		}
	}()

	if r.engine == nil {
		r.engine = avcodec.New(avcodec.Options{
			Threads:  r.cfg.Capture.Threads,
			LogLevel: r.cfg.Capture.FFmpegLog,
		})
	}

	if err := r.openSources(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("screen-capture: open: %w", err)
	}

	w, err := container.Open(r.engine, r.cfg.Output.Path, r.cfg.Output.Format)
	if err != nil {
		return fmt.Errorf("screen-capture: open output: %w", err)
	}
	r.writer = w

	var obs muxer.Observer
	if r.metrics != nil {
		obs = r.metrics
	}
	if r.mux, err = muxer.New(w, r.interleave, obs); err != nil {
		return fmt.Errorf("screen-capture: %w", err)
	}

	if r.cfg.Video.Enabled {
		if err := r.setupVideo(); err != nil {
			return err
		}
	}
	if r.cfg.Audio.Enabled {
		if err := r.setupAudio(); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("screen-capture: open: %w", err)
	}

	if err := r.mux.WriteHeader(); err != nil {
		return fmt.Errorf("screen-capture: write header: %w", err)
	}

	// Stream time bases are final only after the header.
	if err := r.buildPipelines(); err != nil {
		return err
	}

	r.opened = true
	slog.Info("screen-capture: recorder opened",
		"id", r.id,
		"output", r.cfg.Output.Path,
		"video", r.cfg.Video.Enabled,
		"audio", r.cfg.Audio.Enabled,
		"interleave", r.interleave.String(),
	)
	return nil
}

func (r *Recorder) openSources() error {
	if r.cfg.Video.Enabled && r.videoSrc == nil {
		src, err := openVideoSource(r.cfg)
		if err != nil {
			return fmt.Errorf("screen-capture: open screen source: %w", err)
		}
		r.videoSrc = src
	}
	if r.cfg.Audio.Enabled && r.audioSrc == nil {
		src, err := openAudioSource(r.cfg)
		if err != nil {
			return fmt.Errorf("screen-capture: open microphone source: %w", err)
		}
		r.audioSrc = src
	}
	return nil
}

func (r *Recorder) setupVideo() error {
	params := r.videoSrc.Params()
	if params.Kind != media.KindVideo {
		return fmt.Errorf("screen-capture: screen source delivers %s", params.Kind)
	}

	setup := &streamSetup{kind: media.KindVideo}
	r.pending = append(r.pending, setup)

	var err error
	if setup.dec, err = r.engine.OpenDecoder(params); err != nil {
		return fmt.Errorf("screen-capture: open video decoder: %w", err)
	}

	w, h := r.cfg.Video.OutputDims()
	setup.enc, err = r.engine.OpenEncoder(media.EncoderParams{
		Kind:         media.KindVideo,
		Codec:        r.cfg.Video.Codec,
		BitRate:      r.cfg.Video.BitRate,
		Width:        w,
		Height:       h,
		PixelFormat:  r.cfg.Video.PixelFormat,
		FrameRate:    r.cfg.Video.FrameRate,
		GOPSize:      r.cfg.Video.GOPSize,
		MaxBFrames:   r.cfg.Video.MaxBFrames,
		GlobalHeader: r.mux.GlobalHeader(),
	})
	if err != nil {
		return fmt.Errorf("screen-capture: open video encoder: %w", err)
	}

	if r.scaler, err = r.engine.OpenScaler(params.VideoFormat(), setup.enc.Params().VideoFormat()); err != nil {
		return fmt.Errorf("screen-capture: open scaler: %w", err)
	}
	if setup.index, err = r.mux.AddStream(setup.enc); err != nil {
		return fmt.Errorf("screen-capture: add video stream: %w", err)
	}
	return nil
}

func (r *Recorder) setupAudio() error {
	params := r.audioSrc.Params()
	if params.Kind != media.KindAudio {
		return fmt.Errorf("screen-capture: microphone source delivers %s", params.Kind)
	}

	setup := &streamSetup{kind: media.KindAudio}
	r.pending = append(r.pending, setup)

	var err error
	if setup.dec, err = r.engine.OpenDecoder(params); err != nil {
		return fmt.Errorf("screen-capture: open audio decoder: %w", err)
	}

	setup.enc, err = r.engine.OpenEncoder(media.EncoderParams{
		Kind:         media.KindAudio,
		Codec:        r.cfg.Audio.Codec,
		BitRate:      r.cfg.Audio.BitRate,
		SampleRate:   r.cfg.Audio.OutputRate,
		Channels:     r.cfg.Audio.Channels,
		GlobalHeader: r.mux.GlobalHeader(),
	})
	if err != nil {
		return fmt.Errorf("screen-capture: open audio encoder: %w", err)
	}

	if r.resampler, err = r.engine.OpenResampler(params.AudioFormat(), setup.enc.Params().AudioFormat()); err != nil {
		return fmt.Errorf("screen-capture: open resampler: %w", err)
	}
	if setup.index, err = r.mux.AddStream(setup.enc); err != nil {
		return fmt.Errorf("screen-capture: add audio stream: %w", err)
	}
	return nil
}

func (r *Recorder) buildPipelines() error {
	var obs pipeline.Observer
	if r.metrics != nil {
		obs = r.metrics
	}

	for len(r.pending) > 0 {
		setup := r.pending[0]
		sc, err := pipeline.NewStreamContext(setup.kind, setup.dec, setup.enc, setup.index, r.mux.StreamTimeBase(setup.index))
		if err != nil {
			return fmt.Errorf("screen-capture: %w", err)
		}
		// The stream context owns the codecs from here on.
		r.pending = r.pending[1:]

		switch setup.kind {
		case media.KindVideo:
			r.videoStream = sc
			r.video, err = pipeline.NewVideo(pipeline.VideoConfig{
				Source:   r.videoSrc,
				Stream:   sc,
				Scaler:   r.scaler,
				Writer:   r.mux,
				Gate:     r.session,
				Observer: obs,
			})
		case media.KindAudio:
			r.audioStream = sc
			r.audio, err = pipeline.NewAudio(pipeline.AudioConfig{
				Source:    r.audioSrc,
				Stream:    sc,
				Resampler: r.resampler,
				Writer:    r.mux,
				Gate:      r.session,
				Tail:      r.tail,
				Observer:  obs,
			})
		}
		if err != nil {
			return fmt.Errorf("screen-capture: %w", err)
		}
	}
	return nil
}

// Warmup reads from the screen source for d and reports its cadence. It
// must run after Open and before Run; the units it reads are discarded.
func (r *Recorder) Warmup(ctx context.Context, d time.Duration) (*warmup.Stats, error) {
	r.mu.Lock()
	switch {
	case !r.opened:
		r.mu.Unlock()
		return nil, ErrNotOpen
	case r.running:
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	src := r.videoSrc
	if src == nil {
		src = r.audioSrc
	}
	r.mu.Unlock()

	stats, err := warmup.Run(ctx, src, d)
	if err != nil && !errors.Is(err, warmup.ErrUnstable) {
		return stats, fmt.Errorf("screen-capture: warmup: %w", err)
	}
	if src == r.videoSrc {
		if suggested := warmup.SuggestFrameRate(stats, r.cfg.Video.FrameRate); suggested != r.cfg.Video.FrameRate {
			slog.Warn("screen-capture: capture slower than configured frame rate",
				"configured", r.cfg.Video.FrameRate,
				"measured", stats.RateMean,
				"suggested", suggested,
			)
		}
	}
	return stats, err
}

// Run starts the pipeline goroutines. Capture begins with Start.
func (r *Recorder) Run() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.opened {
		return ErrNotOpen
	}
	if r.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	r.startedAt = time.Now()

	if r.video != nil {
		r.spawn(ctx, "video", r.video.Run)
	}
	if r.audio != nil {
		r.spawn(ctx, "audio", r.audio.Run)
	}

	slog.Info("screen-capture: pipelines running", "id", r.id)
	return nil
}

// spawn runs fn on its own goroutine. A failing pipeline ends the session
// so the other one exits within one iteration.
func (r *Recorder) spawn(ctx context.Context, name string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(ctx); err != nil {
			slog.Error("screen-capture: pipeline failed", "stream", name, "error", err)
			r.errMu.Lock()
			r.runErrs = append(r.runErrs, fmt.Errorf("screen-capture: %s pipeline: %w", name, err))
			r.errMu.Unlock()
			r.session.End()
		}
	}()
}

// Start enables capture, or resumes it after Pause.
func (r *Recorder) Start() error {
	if r.session.State() == session.StateStopped {
		return ErrEnded
	}
	if !r.isOpen() {
		return ErrNotOpen
	}
	r.session.Start()
	return nil
}

// Pause suspends capture. Pipelines finish their current unit first.
func (r *Recorder) Pause() error {
	if r.session.State() == session.StateStopped {
		return ErrEnded
	}
	if !r.isOpen() {
		return ErrNotOpen
	}
	r.session.Pause()
	return nil
}

// End stops capture for good. Idempotent; call Wait to finalize the file.
func (r *Recorder) End() error {
	r.session.End()
	return nil
}

// State returns the current session state.
func (r *Recorder) State() State {
	return r.session.State()
}

// Done is closed once End was called or a pipeline failed.
func (r *Recorder) Done() <-chan struct{} {
	return r.session.Done()
}

func (r *Recorder) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

// Wait joins both pipelines, writes the trailer and releases every handle.
// It returns the joined pipeline and teardown errors. Later calls return
// the same result.
func (r *Recorder) Wait() error {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	r.waitOnce.Do(func() {
		r.wg.Wait()
		r.cancel()

		r.errMu.Lock()
		errs := append([]error(nil), r.runErrs...)
		r.errMu.Unlock()

		r.mu.Lock()
		defer r.mu.Unlock()

		// The trailer is written even after a pipeline error so the packets
		// already muxed stay readable.
		if err := r.mux.WriteTrailer(); err != nil {
			errs = append(errs, fmt.Errorf("screen-capture: write trailer: %w", err))
		}
		r.recordSourceDrops()
		if err := r.releaseLocked(); err != nil {
			errs = append(errs, err)
		}

		r.waitErr = errors.Join(errs...)
		r.finished = r.waitErr == nil
		if r.finished && r.metrics != nil {
			if fi, err := os.Stat(r.cfg.Output.Path); err == nil {
				r.metrics.RecordRecording(fi.Size())
			}
		}

		slog.Info("screen-capture: recording finished",
			"id", r.id,
			"output", r.cfg.Output.Path,
			"duration", time.Since(r.startedAt).Round(time.Millisecond),
			"error", r.waitErr,
		)
	})
	return r.waitErr
}

func (r *Recorder) recordSourceDrops() {
	if r.metrics == nil {
		return
	}
	if dc, ok := r.videoSrc.(dropCounter); ok {
		r.metrics.RecordSourceDrops(media.KindVideo, dc.Dropped())
	}
	if dc, ok := r.audioSrc.(dropCounter); ok {
		r.metrics.RecordSourceDrops(media.KindAudio, dc.Dropped())
	}
}

// releaseLocked closes everything Open acquired, in reverse order. Only the
// first call does anything.
func (r *Recorder) releaseLocked() error {
	if r.released {
		return nil
	}
	r.released = true

	var errs []error
	closeErr := func(step string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("screen-capture: close %s: %w", step, err))
		}
	}

	for _, sc := range []*pipeline.StreamContext{r.videoStream, r.audioStream} {
		if sc != nil {
			closeErr(sc.Kind.String()+" codecs", sc.Close())
		}
	}
	for _, setup := range r.pending {
		if setup.dec != nil {
			closeErr(setup.kind.String()+" decoder", setup.dec.Close())
		}
		if setup.enc != nil {
			closeErr(setup.kind.String()+" encoder", setup.enc.Close())
		}
	}
	r.pending = nil

	if r.scaler != nil {
		closeErr("scaler", r.scaler.Close())
	}
	if r.resampler != nil {
		closeErr("resampler", r.resampler.Close())
	}
	switch {
	case r.mux != nil:
		closeErr("output", r.mux.Close())
	case r.writer != nil:
		closeErr("output", r.writer.Close())
	}

	if r.videoSrc != nil {
		closeErr("screen source", r.videoSrc.Close())
	}
	if r.audioSrc != nil {
		closeErr("microphone source", r.audioSrc.Close())
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the recorder counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		ID:          r.id,
		State:       r.session.State().String(),
		Output:      r.cfg.Output.Path,
		SourceDrops: map[string]uint64{},
	}
	if r.running {
		s.Uptime = time.Since(r.startedAt)
	}
	if r.video != nil {
		vs := r.video.Stats()
		s.Video = &vs
	}
	if r.audio != nil {
		as := r.audio.Stats()
		s.Audio = &as
	}
	if r.mux != nil {
		s.Muxer = r.mux.Stats()
	}
	if dc, ok := r.videoSrc.(dropCounter); ok {
		s.SourceDrops[media.KindVideo.String()] = dc.Dropped()
	}
	if dc, ok := r.audioSrc.(dropCounter); ok {
		s.SourceDrops[media.KindAudio.String()] = dc.Dropped()
	}
	return s
}

// Status returns Stats as a JSON-friendly map for the control surfaces.
func (r *Recorder) Status() map[string]any {
	s := r.Stats()
	status := map[string]any{
		"id":           s.ID,
		"state":        s.State,
		"output":       s.Output,
		"uptime":       s.Uptime.Round(time.Second).String(),
		"source_drops": s.SourceDrops,
	}
	if s.Video != nil {
		status["video"] = streamStatus(*s.Video)
	}
	if s.Audio != nil {
		status["audio"] = streamStatus(*s.Audio)
	}
	return status
}

func streamStatus(s pipeline.Stats) map[string]any {
	m := map[string]any{
		"units":   s.Units,
		"frames":  s.Frames,
		"packets": s.Packets,
		"bytes":   s.Bytes,
		"dropped": s.Dropped,
		"stale":   s.Stale,
		"refused": s.Refused,
	}
	if s.Kind == media.KindAudio.String() {
		m["fifo_residual"] = s.FIFOResidual
		m["next_pts"] = s.NextPTS
	}
	return m
}

// Publish hands the finished recording to the storage publisher.
func (r *Recorder) Publish(ctx context.Context) (storage.Object, error) {
	r.mu.Lock()
	finished, p := r.finished, r.publisher
	r.mu.Unlock()

	if p == nil {
		return storage.Object{}, ErrNoPublisher
	}
	if !finished {
		return storage.Object{}, ErrNotFinished
	}

	start := time.Now()
	obj, err := p.Publish(ctx, r.cfg.Output.Path)
	if r.metrics != nil {
		r.metrics.RecordUpload(p.Backend(), err, time.Since(start))
	}
	if err != nil {
		return obj, fmt.Errorf("screen-capture: publish: %w", err)
	}
	return obj, nil
}
