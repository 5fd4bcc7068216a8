package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// monitorBus polls the pipeline bus until ctx is done or the pipeline
// fails. End of stream and errors are returned so Read can surface them;
// a cancelled context returns nil.
func (s *Source) monitorBus(ctx context.Context) error {
	bus := s.elems.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstsource: context cancelled, stopping bus monitor", "stream", s.cfg.Kind.String())
			return nil
		default:
		}

		// Short timeout keeps shutdown responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsource: end of stream",
				"stream", s.cfg.Kind.String(),
				"uptime", time.Since(s.startedAt),
				"units", s.seq.Load(),
			)
			return errEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr)
			s.errCount[category].Add(1)

			slog.Error("gstsource: pipeline error",
				"stream", s.cfg.Kind.String(),
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uptime", time.Since(s.startedAt),
				"units", s.seq.Load(),
			)
			return fmt.Errorf("gstsource: %s pipeline error [%s]: %s", s.cfg.Kind, category, gerr.Error())

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gstsource: pipeline warning",
				"stream", s.cfg.Kind.String(),
				"warning", gerr.Error(),
			)

		case gst.MessageStateChanged:
			if msg.Source() == s.elems.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstsource: pipeline state changed",
					"stream", s.cfg.Kind.String(),
					"from", old,
					"to", new,
				)
				if new == gst.StatePlaying {
					s.markPlaying()
				}
			}
		}
	}
}
