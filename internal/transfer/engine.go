package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/telemetry"
	"github.com/italolelis/background_downloader/internal/transfer/progress"
)

// DefaultChunkSize is the number of bytes read from the source and written to
// the sink per step.
const DefaultChunkSize = 4096

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Engine streams one source into one sink at a time and is the only writer
// of the transfer State.
type Engine struct {
	client    Doer
	sink      Sink
	publisher Publisher
	chunkSize int
	telemetry *telemetry.Telemetry

	running   atomic.Bool
	bytesRead atomic.Int64

	mu    sync.RWMutex
	state State
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithChunkSize overrides DefaultChunkSize. Non-positive values are ignored.
func WithChunkSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithTelemetry records transfer metrics and spans.
func WithTelemetry(t *telemetry.Telemetry) EngineOption {
	return func(e *Engine) {
		e.telemetry = t
	}
}

func NewEngine(client Doer, sink Sink, publisher Publisher, opts ...EngineOption) *Engine {
	e := &Engine{
		client:    client,
		sink:      sink,
		publisher: publisher,
		chunkSize: DefaultChunkSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// State returns a snapshot of the current transfer state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.state
}

// Result is the outcome of one Run.
type Result struct {
	State
	// BytesRead is the number of bytes consumed from the source.
	BytesRead int64
}

// Reset moves a finished engine back to PhaseIdle.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Phase == PhaseInProgress {
		return ErrInProgress
	}

	e.state = State{Phase: PhaseIdle}

	return nil
}

// Run downloads req and returns its terminal state. Transfer failures are
// reported through State.Err; the returned error is only ErrAlreadyRunning or
// ErrNotIdle, in which case nothing was started.
//
// The terminal state, the end of the run and the terminal event become
// visible together: once State reports a terminal phase, Reset and the next
// Run succeed.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{State: e.State()}, ErrAlreadyRunning
	}

	e.mu.Lock()
	if e.state.Phase != PhaseIdle {
		current := e.state
		e.running.Store(false)
		e.mu.Unlock()

		return Result{State: current}, ErrNotIdle
	}

	e.state = State{Phase: PhaseInProgress}
	e.mu.Unlock()

	e.bytesRead.Store(0)

	var final State

	_ = e.telemetry.InstrumentTransfer(ctx, func(ctx context.Context) error {
		final = e.stream(ctx, req)

		return final.Err
	})

	result := Result{State: final, BytesRead: e.bytesRead.Load()}

	e.mu.Lock()
	e.state = final
	e.running.Store(false)
	e.publisher.Publish(terminalEvent(final))
	e.mu.Unlock()

	return result, nil
}

func terminalEvent(s State) Event {
	if s.Err != nil {
		return Event{Type: EventFailed, Percent: s.Percent, Reason: s.Err.Error()}
	}

	return Event{Type: EventCompleted, Percent: 100}
}

func (e *Engine) stream(ctx context.Context, req Request) State {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return e.fail(ctx, &HTTPError{URL: req.SourceURL, Err: err})
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return e.fail(ctx, &HTTPError{URL: req.SourceURL, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return e.fail(ctx, &HTTPError{URL: req.SourceURL, StatusCode: resp.StatusCode})
	}

	total := resp.ContentLength

	out, err := e.sink.Open(ctx, req.DestinationName, req.MimeType, req.Category)
	if err != nil {
		return e.fail(ctx, &SinkError{Name: req.DestinationName, Err: err})
	}

	if total > 0 {
		logger.InfoContext(ctx, "downloading file", "file_size", humanize.Bytes(uint64(total)))
	} else {
		logger.InfoContext(ctx, "downloading file of unknown size, progress reporting disabled")
	}

	tracker := progress.NewTracker(total)
	buf := make([]byte, e.chunkSize)

	for {
		n, readErr := readChunk(resp.Body, buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				e.closeQuietly(ctx, out)

				return e.fail(ctx, &IOError{Op: "write", BytesRead: tracker.Read() + int64(n), Err: err})
			}

			e.bytesRead.Add(int64(n))
			e.telemetry.RecordTransferBytes(ctx, int64(n))

			if percent, changed := tracker.Add(int64(n)); changed {
				e.progress(ctx, percent, tracker.Read(), total)
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			e.closeQuietly(ctx, out)

			return e.fail(ctx, &IOError{Op: "read", BytesRead: tracker.Read(), Err: readErr})
		}
	}

	if err := out.Close(); err != nil {
		return e.fail(ctx, &IOError{Op: "close", BytesRead: tracker.Read(), Err: err})
	}

	if percent, changed := tracker.Finish(); changed {
		e.progress(ctx, percent, tracker.Read(), total)
	}

	logger.InfoContext(ctx, "download completed",
		"downloaded", humanize.Bytes(uint64(tracker.Read())),
		"duration", time.Since(start).String(),
	)

	return State{Phase: PhaseCompleted, Percent: 100}
}

// progress updates the state before publishing so State never lags the
// last published event.
func (e *Engine) progress(ctx context.Context, percent int, read, total int64) {
	e.setState(State{Phase: PhaseInProgress, Percent: percent})
	e.publisher.Publish(Event{Type: EventProgress, Percent: percent})
	e.telemetry.RecordTransferProgress(ctx, percent)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download progress",
		"percent", percent,
		"downloaded", humanize.Bytes(uint64(read)),
		"total", humanize.Bytes(uint64(max(total, 0))),
	)
}

// fail builds the failed state; Run publishes it.
func (e *Engine) fail(ctx context.Context, err error) State {
	failed := State{Phase: PhaseFailed, Percent: e.State().Percent, Err: err}

	e.telemetry.RecordSystemError(ctx, "engine", errorKind(err))

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download failed", "percent", failed.Percent, "err", err)

	return failed
}

// errorKind labels a transfer failure for metrics.
func errorKind(err error) string {
	var (
		httpErr *HTTPError
		ioErr   *IOError
		sinkErr *SinkError
	)

	switch {
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &ioErr):
		return "io_" + ioErr.Op
	case errors.As(err, &sinkErr):
		return "sink"
	default:
		return "unknown"
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) closeQuietly(ctx context.Context, c io.Closer) {
	if err := c.Close(); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to close destination after error", "err", err)
	}
}

// readChunk fills buf from r. A short count is only returned together with
// an error; io.EOF marks a clean end of stream.
func readChunk(r io.Reader, buf []byte) (int, error) {
	var (
		n   int
		err error
	)

	for n < len(buf) && err == nil {
		var nn int

		nn, err = r.Read(buf[n:])
		n += nn
	}

	return n, err
}
