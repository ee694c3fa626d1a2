package sink

import (
	"context"
	"io"

	"github.com/italolelis/background_downloader/internal/telemetry"
	"github.com/italolelis/background_downloader/internal/transfer"
)

// Instrumented wraps a transfer.Sink with telemetry.
type Instrumented struct {
	sink      transfer.Sink
	telemetry *telemetry.Telemetry
	kind      string
}

// NewInstrumented creates a new instrumented sink. kind labels the metrics
// ("filesystem", "bucket").
func NewInstrumented(s transfer.Sink, tel *telemetry.Telemetry, kind string) *Instrumented {
	return &Instrumented{
		sink:      s,
		telemetry: tel,
		kind:      kind,
	}
}

// Open opens the destination with telemetry.
func (i *Instrumented) Open(ctx context.Context, name, mimeType string, category transfer.Category) (io.WriteCloser, error) {
	var result io.WriteCloser

	instrumentedErr := i.telemetry.InstrumentSinkOperation(ctx, i.kind, "open", func(ctx context.Context) error {
		var err error

		result, err = i.sink.Open(ctx, name, mimeType, category)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return &instrumentedHandle{WriteCloser: result, ctx: ctx, sink: i}, nil
}

type instrumentedHandle struct {
	io.WriteCloser

	ctx  context.Context
	sink *Instrumented
}

// Close closes the destination with telemetry.
func (h *instrumentedHandle) Close() error {
	return h.sink.telemetry.InstrumentSinkOperation(h.ctx, h.sink.kind, "close", func(context.Context) error {
		return h.WriteCloser.Close()
	})
}
