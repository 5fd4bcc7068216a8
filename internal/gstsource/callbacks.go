package gstsource

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/screen-capture/internal/media"
)

// callbackContext holds the state the appsink callback needs. The callback
// runs on a GStreamer streaming thread.
type callbackContext struct {
	kind    media.Kind
	units   chan<- *media.Unit
	seq     *atomic.Uint64
	bytes   *atomic.Uint64
	dropped *atomic.Uint64
	started time.Time
}

// onNewSample pulls a sample, copies it into a unit stamped in nanoseconds
// and hands it to Read without blocking. A full channel drops the unit.
func onNewSample(sink *app.Sink, ctx *callbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsource: failed to pull sample, skipping", "stream", ctx.kind.String())
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsource: sample without buffer, skipping", "stream", ctx.kind.String())
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstsource: empty buffer received", "stream", ctx.kind.String())
		return gst.FlowOK
	}

	// GStreamer reuses the buffer.
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	pts := int64(buffer.PresentationTimestamp())
	if pts < 0 {
		pts = int64(time.Since(ctx.started))
	}
	duration := int64(buffer.Duration())
	if duration < 0 {
		duration = 0
	}

	seq := ctx.seq.Add(1) - 1
	ctx.bytes.Add(uint64(len(payload)))

	u := &media.Unit{
		Kind:       ctx.kind,
		PTS:        pts,
		Duration:   duration,
		Seq:        seq,
		CapturedAt: time.Now(),
		TraceID:    uuid.New().String(),
		Data:       payload,
	}

	select {
	case ctx.units <- u:
	default:
		ctx.dropped.Add(1)
		slog.Debug("gstsource: dropping unit, channel full",
			"stream", ctx.kind.String(),
			"seq", seq,
			"trace_id", u.TraceID,
		)
	}
	return gst.FlowOK
}
