// Package screencapture records the screen, and optionally a microphone,
// into a single muxed media file.
//
// Two independent capture pipelines (video and audio) decode, convert,
// re-encode and timestamp their input and write packets through one shared
// muxer. A capture session gates both pipelines with start, pause and end.
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.Output.Path = "desktop.mp4"
//	cfg.Audio.Enabled = true
//
//	rec, err := screencapture.NewRecorder(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rec.Open(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	rec.Run()
//	rec.Start()
//
//	time.Sleep(10 * time.Second)
//	rec.Pause()
//	time.Sleep(2 * time.Second)
//	rec.Start()
//	time.Sleep(10 * time.Second)
//
//	rec.End()
//	if err := rec.Wait(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Lifecycle
//
//	NewRecorder -> Open -> [Warmup] -> Run -> Start/Pause... -> End -> Wait -> [Publish]
//
// Open writes the container header; nothing is captured until Start. Wait
// joins both pipelines, flushes the encoders and writes the trailer exactly
// once. The output file is valid only after Wait returns.
//
// # Timestamps
//
// Video timestamps follow the capture clock, with paused intervals
// collapsed. Audio timestamps come from a running sample counter that
// advances by exactly one encoder frame per packet, so audio never drifts
// whatever the size of the captured blocks.
//
// # Backends
//
//   - gstreamer: ximagesrc and pulsesrc through GStreamer (default)
//   - avdevice: x11grab and pulse/alsa through FFmpeg
//   - test: videotestsrc and audiotestsrc, for headless machines
//
// Encoding always uses FFmpeg. WebM and fragmented MP4 outputs are written
// by pure-Go muxers; every other format goes through FFmpeg's avformat.
package screencapture
