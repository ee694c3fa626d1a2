package notifier

import (
	"context"

	"github.com/italolelis/background_downloader/internal/telemetry"
)

// Instrumented wraps a Notifier with telemetry.
type Instrumented struct {
	notifier  Notifier
	telemetry *telemetry.Telemetry
	kind      string
}

func NewInstrumented(n Notifier, tel *telemetry.Telemetry, kind string) *Instrumented {
	return &Instrumented{notifier: n, telemetry: tel, kind: kind}
}

func (i *Instrumented) Notify(ctx context.Context, n Notification) error {
	return i.telemetry.InstrumentNotifierOperation(ctx, i.kind, "notify", func(ctx context.Context) error {
		return i.notifier.Notify(ctx, n)
	})
}

func (i *Instrumented) Hide(ctx context.Context) error {
	return i.telemetry.InstrumentNotifierOperation(ctx, i.kind, "hide", func(ctx context.Context) error {
		return i.notifier.Hide(ctx)
	})
}
