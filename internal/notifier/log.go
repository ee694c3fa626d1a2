package notifier

import (
	"context"

	"github.com/italolelis/background_downloader/internal/logctx"
)

// Log renders notifications as structured log lines. It is used when no
// external status surface is configured.
type Log struct{}

func (Log) Notify(ctx context.Context, n Notification) error {
	logctx.LoggerFromContext(ctx).Info("background notification",
		"title", n.Title,
		"body", n.Body,
		"percent", n.Percent,
		"bar", Bar(n.Percent),
	)

	return nil
}

func (Log) Hide(ctx context.Context) error {
	logctx.LoggerFromContext(ctx).Info("background notification hidden")

	return nil
}
