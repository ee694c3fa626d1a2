package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Category is the logical destination a sink files an artifact under.
type Category string

const (
	CategoryDownloads Category = "downloads"
	CategoryDocuments Category = "documents"
	CategoryMovies    Category = "movies"
	CategoryMusic     Category = "music"
	CategoryPictures  Category = "pictures"
)

// Known reports whether c is one of the supported categories.
func (c Category) Known() bool {
	switch c {
	case CategoryDownloads, CategoryDocuments, CategoryMovies, CategoryMusic, CategoryPictures:
		return true
	}

	return false
}

// Request describes a single file to download. It is a comparable value and
// must not change once a transfer starts.
type Request struct {
	SourceURL       string   `json:"url"`
	DestinationName string   `json:"name"`
	MimeType        string   `json:"mime_type"`
	Category        Category `json:"category"`
}

// WithDefaults fills the optional fields of r.
func (r Request) WithDefaults() Request {
	if r.Category == "" {
		r.Category = CategoryDownloads
	}

	if r.MimeType == "" {
		r.MimeType = "application/octet-stream"
	}

	return r
}

// Validate checks that r can be handed to the engine.
func (r Request) Validate() error {
	u, err := url.Parse(r.SourceURL)
	if err != nil || r.SourceURL == "" {
		return fmt.Errorf("%w: source url %q is not a valid url", ErrInvalidRequest, r.SourceURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported source url scheme %q", ErrInvalidRequest, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: source url %q has no host", ErrInvalidRequest, r.SourceURL)
	}

	name := strings.TrimSpace(r.DestinationName)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid destination name %q", ErrInvalidRequest, r.DestinationName)
	}

	if !r.Category.Known() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, r.Category)
	}

	return nil
}

// Phase is the coarse lifecycle position of a transfer.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInProgress
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInProgress:
		return "in_progress"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the single shared state of the transfer subsystem. Percent is the
// last published progress; Err is set only in PhaseFailed.
type State struct {
	Phase   Phase
	Percent int
	Err     error
}

// Terminal reports whether the transfer has finished, successfully or not.
func (s State) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

func (s State) MarshalJSON() ([]byte, error) {
	out := struct {
		Phase   string `json:"phase"`
		Percent int    `json:"percent"`
		Reason  string `json:"reason,omitempty"`
	}{
		Phase:   s.Phase.String(),
		Percent: s.Percent,
	}

	if s.Err != nil {
		out.Reason = s.Err.Error()
	}

	return json.Marshal(out)
}

// EventType distinguishes progress updates from terminal notifications.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is what observers receive. Progress events for one transfer carry
// strictly increasing percents; a single terminal event follows them.
type Event struct {
	Type    EventType `json:"type"`
	Percent int       `json:"percent"`
	Reason  string    `json:"reason,omitempty"`
}

// Terminal reports whether e closes the event stream of a transfer.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Sink opens the destination artifact for a transfer.
type Sink interface {
	Open(ctx context.Context, name, mimeType string, category Category) (io.WriteCloser, error)
}

// Publisher receives the events produced by the engine. Publish must not block.
type Publisher interface {
	Publish(Event)
}
