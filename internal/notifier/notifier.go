package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/italolelis/background_downloader/internal/transfer"
)

// Notification is what a persistent status surface renders.
type Notification struct {
	Title   string
	Body    string
	Percent int
}

// Notifier renders and updates a persistent status indicator. Notify shows
// the indicator or updates it in place; Hide removes it.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Hide(ctx context.Context) error
}

// FromEvent builds the notification shown for a transfer event.
func FromEvent(e transfer.Event) Notification {
	switch {
	case e.Type == transfer.EventFailed:
		return Notification{Title: "Download Failed", Body: e.Reason, Percent: e.Percent}
	case e.Type == transfer.EventCompleted || e.Percent >= 100:
		return Notification{Title: "Download Completed", Body: "100% complete", Percent: 100}
	default:
		return Notification{Title: "Downloading", Body: fmt.Sprintf("%d%% complete", e.Percent), Percent: e.Percent}
	}
}

const barWidth = 20

// Bar renders percent as a fixed width text progress bar.
func Bar(percent int) string {
	filled := min(max(percent, 0), 100) * barWidth / 100

	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}
