package screencapture_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	screencapture "github.com/e7canasta/orion-care-sensor/modules/screen-capture"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media/mediatest"
)

// ExampleNewRecorder shows a complete recording of the whole desktop.
func ExampleNewRecorder() {
	// This example requires an X11 display and FFmpeg libraries:
	//
	// cfg := config.Default()
	// cfg.Output.Path = "desktop.mp4"
	// cfg.Audio.Enabled = true
	//
	// rec, err := screencapture.NewRecorder(cfg)
	// if err != nil {
	//     log.Fatal(err)
	// }
	// if err := rec.Open(context.Background()); err != nil {
	//     log.Fatal(err)
	// }
	// if err := rec.Run(); err != nil {
	//     log.Fatal(err)
	// }
	//
	// rec.Start()
	// time.Sleep(10 * time.Second)
	// rec.End()
	//
	// if err := rec.Wait(); err != nil {
	//     log.Fatal(err)
	// }
}

// ExampleRecorder_Wait records a scripted screen source that ends after ten
// frames; Wait returns once the file is finalized.
func ExampleRecorder_Wait() {
	dir, _ := os.MkdirTemp("", "screen-capture-example")
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Output.Path = filepath.Join(dir, "out.mp4")

	writer := mediatest.NewWriter()
	screen := &mediatest.ScriptSource{
		P:     mediatest.NewVideoSource(1280, 720, 30).Params(),
		Units: mediatest.VideoUnits(10, 30),
	}

	rec, err := screencapture.NewRecorder(cfg,
		screencapture.WithEngine(&mediatest.Engine{Writer: writer}),
		screencapture.WithVideoSource(screen),
	)
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := rec.Open(context.Background()); err != nil {
		fmt.Println(err)
		return
	}
	_ = rec.Run()
	_ = rec.Start()

	if err := rec.Wait(); err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println("headers:", writer.Headers())
	fmt.Println("video packets:", len(writer.PacketsOf(media.KindVideo)))
	fmt.Println("trailers:", writer.Trailers())
	// Output:
	// headers: 1
	// video packets: 10
	// trailers: 1
}

// ExampleRecorder_Status reads the JSON-friendly status map.
func ExampleRecorder_Status() {
	// With a running recorder:
	//
	// status := rec.Status()
	// fmt.Println(status["state"])     // capturing
	// fmt.Println(status["audio"])     // map[bytes:... fifo_residual:312 ...]
}
