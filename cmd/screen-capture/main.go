package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	screencapture "github.com/e7canasta/orion-care-sensor/modules/screen-capture"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/api"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/control"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/storage"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/warmup"
)

// Version information
const version = "v0.1.0"

var cfgFile string

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"output":       "output.path",
	"format":       "output.format",
	"display":      "video.display",
	"size":         "video.input_size",
	"output-size":  "video.output_size",
	"offset-x":     "video.offset_x",
	"offset-y":     "video.offset_y",
	"fps":          "video.frame_rate",
	"draw-mouse":   "video.draw_mouse",
	"video-codec":  "video.codec",
	"audio":        "audio.enabled",
	"audio-device": "audio.device",
	"audio-codec":  "audio.codec",
	"backend":      "capture.backend",
	"interleave":   "capture.interleave",
	"warmup":       "capture.warmup",
	"http":         "http.addr",
	"mqtt-broker":  "mqtt.broker",
	"storage":      "storage.backend",
	"storage-dir":  "storage.dir",
	"bucket":       "storage.bucket",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

var rootCmd = &cobra.Command{
	Use:   "screen-capture",
	Short: "Record the screen and microphone into a media file",
	Long: `screen-capture records the X11 screen, and optionally a microphone,
into a single muxed file (MP4, WebM, fragmented MP4 or any FFmpeg format).

Capture is controlled from the keyboard (s = start/resume, p = pause,
e = end), over HTTP (--http) or over MQTT (--mqtt-broker).`,
	SilenceUsage: true,
	RunE:         runRecord,
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "List published recordings",
	RunE:  runRecordings,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("screen-capture %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or $XDG_CONFIG_HOME/screen-capture/config.yaml)")
	rootCmd.PersistentFlags().String("storage", "none", "Publish backend: none, local, gcs")
	rootCmd.PersistentFlags().String("storage-dir", "", "Directory for the local storage backend")
	rootCmd.PersistentFlags().String("bucket", "", "Bucket for the gcs storage backend")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text, json")

	f := rootCmd.Flags()
	f.StringP("output", "o", "output.mp4", "Output file")
	f.String("format", "", "Container format (default guessed from the output name)")
	f.String("display", "", "X11 display, e.g. :0.0 (default $DISPLAY)")
	f.String("size", "1280x720", "Captured screen area, WxH")
	f.String("output-size", "1280x720", "Encoded picture size, WxH")
	f.Int("offset-x", 0, "Left edge of the captured area")
	f.Int("offset-y", 0, "Top edge of the captured area")
	f.Int("fps", 30, "Capture frame rate")
	f.Bool("draw-mouse", true, "Draw the mouse pointer")
	f.String("video-codec", "mpeg4", "Video encoder")
	f.Bool("no-video", false, "Record audio only")
	f.Bool("audio", false, "Also record the microphone")
	f.String("audio-device", "", "Microphone device (default source when empty)")
	f.String("audio-codec", "aac", "Audio encoder")
	f.String("backend", "gstreamer", "Capture backend: gstreamer, avdevice, test")
	f.String("interleave", "lock", "Muxer write discipline: lock, timestamp")
	f.Duration("warmup", 0, "Measure the screen source cadence before recording (0 disables)")
	f.String("http", "", "Status API and /metrics listen address, e.g. :8080")
	f.String("mqtt-broker", "", "MQTT broker for remote control, e.g. tcp://localhost:1883")
	f.Bool("start", false, "Start capturing immediately instead of waiting for a start command")
	f.Duration("duration", 0, "End the recording after this long (0 = until stopped)")

	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper(cfgFile)
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	if noVideo, _ := cmd.Flags().GetBool("no-video"); noVideo {
		v.Set("video.enabled", false)
		v.Set("audio.enabled", true)
	}
	return config.FromViper(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	publisher, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	rec, err := screencapture.NewRecorder(cfg,
		screencapture.WithMetrics(m),
		screencapture.WithPublisher(publisher),
	)
	if err != nil {
		return err
	}
	rec.OnStateChange(printState)

	printBanner(cfg, rec.ID())

	if err := rec.Open(ctx); err != nil {
		return err
	}

	if cfg.Capture.Warmup > 0 {
		fmt.Printf("Running warmup (%s) to measure capture cadence...\n", cfg.Capture.Warmup)
		stats, err := rec.Warmup(ctx, cfg.Capture.Warmup)
		if err != nil && !errors.Is(err, warmup.ErrUnstable) {
			_ = rec.Run()
			_ = rec.End()
			return errors.Join(err, rec.Wait())
		}
		printWarmup(stats)
	}

	if err := rec.Run(); err != nil {
		return err
	}

	if cfg.HTTP.Addr != "" {
		var lister api.Lister
		if publisher != nil {
			lister = publisher
		}
		srv := api.New(rec, m.Handler(), lister)
		go func() {
			if err := srv.Serve(ctx, cfg.HTTP.Addr); err != nil {
				slog.Error("http server failed", "addr", cfg.HTTP.Addr, "error", err)
			}
		}()
		fmt.Printf("Status API:    http://%s/api/v1/status\n", displayAddr(cfg.HTTP.Addr))
	}

	if cfg.MQTT.Broker != "" {
		client, err := control.Connect(cfg.MQTT)
		if err != nil {
			_ = rec.End()
			return errors.Join(err, rec.Wait())
		}
		defer client.Disconnect(250)

		h := control.NewHandler(client, cfg.MQTT, rec)
		if err := h.Start(ctx); err != nil {
			_ = rec.End()
			return errors.Join(err, rec.Wait())
		}
		defer h.Stop()
		rec.OnStateChange(h.PublishState)
		h.PublishState(rec.State())
		fmt.Printf("MQTT control:  %s\n", cfg.MQTT.Topics.Control)
	}

	if start, _ := cmd.Flags().GetBool("start"); start {
		if err := rec.Start(); err != nil {
			return err
		}
	}
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		time.AfterFunc(d, func() { _ = rec.End() })
	}

	go readKeys(rec)
	go func() {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down recorder...")
			_ = rec.End()
		case <-rec.Done():
		}
	}()

	fmt.Printf("Commands: %s start/resume, %s pause, %s end\n",
		color.GreenString("s"), color.YellowString("p"), color.RedString("e"))

	if err := rec.Wait(); err != nil {
		return err
	}
	printSummary(rec.Stats())

	if publisher != nil {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		obj, err := rec.Publish(pctx)
		if err != nil {
			return err
		}
		fmt.Printf("Published:     %s (%d bytes)\n", color.CyanString(obj.Location), obj.Size)
	}
	return nil
}

// readKeys maps single-letter lines on stdin to session commands.
func readKeys(rec *screencapture.Recorder) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "s", "start", "r", "resume":
			err = rec.Start()
		case "p", "pause":
			err = rec.Pause()
		case "e", "end", "q", "quit":
			_ = rec.End()
			return
		case "":
			continue
		default:
			fmt.Println(color.YellowString("unknown command %q (s, p or e)", scanner.Text()))
			continue
		}
		if err != nil {
			fmt.Println(color.RedString("%v", err))
		}
	}
}

func printState(s screencapture.State) {
	var c *color.Color
	switch s.String() {
	case "capturing":
		c = color.New(color.FgGreen, color.Bold)
	case "paused":
		c = color.New(color.FgYellow, color.Bold)
	case "stopped":
		c = color.New(color.FgRed, color.Bold)
	default:
		c = color.New(color.Faint)
	}
	fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), c.Sprint(strings.ToUpper(s.String())))
}

func printBanner(cfg *config.Config, id string) {
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║              Screen Capture - Orion 2.0 Module            ║\n")
	fmt.Printf("║                      Version %s                       ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Recording ID:  %s\n", id)
	fmt.Printf("  Output:        %s\n", cfg.Output.Path)
	fmt.Printf("  Backend:       %s\n", cfg.Capture.Backend)
	if cfg.Video.Enabled {
		fmt.Printf("  Video:         %s -> %s @ %d fps (%s)\n",
			cfg.Video.InputSize, cfg.Video.OutputSize, cfg.Video.FrameRate, cfg.Video.Codec)
	} else {
		fmt.Printf("  Video:         (disabled)\n")
	}
	if cfg.Audio.Enabled {
		fmt.Printf("  Audio:         %d Hz x%d -> %d Hz (%s)\n",
			cfg.Audio.InputRate, cfg.Audio.Channels, cfg.Audio.OutputRate, cfg.Audio.Codec)
	} else {
		fmt.Printf("  Audio:         (disabled)\n")
	}
	fmt.Printf("  Interleave:    %s\n", cfg.Capture.Interleave)
	fmt.Printf("\n")
}

func printWarmup(stats *warmup.Stats) {
	if stats == nil {
		return
	}
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Warmup Complete\n")
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Units Received:     %6d\n", stats.Units)
	fmt.Printf("│ Duration:           %6.1f seconds\n", stats.Duration.Seconds())
	fmt.Printf("│ Rate Mean:          %6.2f /s\n", stats.RateMean)
	fmt.Printf("│ Rate Range:         %6.1f - %.1f /s\n", stats.RateMin, stats.RateMax)
	fmt.Printf("│ Jitter Mean:        %6.3f s\n", stats.JitterMean)
	fmt.Printf("│ Stable:             %6v\n", stats.IsStable)
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
	if !stats.IsStable {
		fmt.Println(color.YellowString("\n⚠️  WARNING: capture cadence is unstable"))
	}
	fmt.Printf("\n")
}

func printSummary(s screencapture.Stats) {
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Recording Finished (Uptime: %s)\n", s.Uptime.Round(time.Second))
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	if s.Video != nil {
		fmt.Printf("│ Video Frames:       %6d encoded, %d packets\n", s.Video.Frames, s.Video.Packets)
		fmt.Printf("│ Video Dropped:      %6d (stale %d)\n", s.Video.Dropped, s.Video.Stale)
	}
	if s.Audio != nil {
		fmt.Printf("│ Audio Frames:       %6d encoded, %d samples\n", s.Audio.Frames, s.Audio.NextPTS)
	}
	for _, st := range s.Muxer.Streams {
		fmt.Printf("│ Muxed %-6s        %6d packets, %.2f MB\n", st.Kind+":", st.Packets, float64(st.Bytes)/1024/1024)
	}
	for kind, n := range s.SourceDrops {
		if n > 0 {
			fmt.Printf("│ Source Drops %-6s %6d\n", kind+":", n)
		}
	}
	fmt.Printf("│ Output:             %s\n", color.GreenString(s.Output))
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
}

func runRecordings(cmd *cobra.Command, args []string) error {
	v := config.NewViper(cfgFile)
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	publisher, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if publisher == nil {
		return fmt.Errorf("no storage backend configured (use --storage local or gcs)")
	}
	defer publisher.Close()

	objs, err := publisher.List(ctx)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		fmt.Println("No recordings published yet.")
		return nil
	}
	for _, o := range objs {
		fmt.Printf("%s  %10d  %s\n",
			o.Updated.Local().Format("2006-01-02 15:04:05"), o.Size, color.CyanString(o.Location))
	}
	return nil
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
