package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/notifier"
	"github.com/italolelis/background_downloader/internal/pubsub"
	"github.com/italolelis/background_downloader/internal/storage"
	"github.com/italolelis/background_downloader/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var video = transfer.Request{
	SourceURL:       "https://example.com/video.mp4",
	DestinationName: "video.mp4",
	MimeType:        "video/mp4",
}

// source serves a 1000 byte body one step at a time. Each step delivers one
// 100 byte chunk, a nil step ends the body.
type source struct {
	status   int
	chunks   chan []byte
	requests atomic.Int32
}

func newSource() *source {
	return &source{status: http.StatusOK, chunks: make(chan []byte)}
}

func (s *source) Do(req *http.Request) (*http.Response, error) {
	s.requests.Add(1)

	return &http.Response{
		StatusCode:    s.status,
		ContentLength: 1000,
		Body:          io.NopCloser(&steppedBody{ctx: req.Context(), chunks: s.chunks}),
	}, nil
}

func (s *source) step(t *testing.T) {
	t.Helper()

	select {
	case s.chunks <- make([]byte, 100):
	case <-time.After(waitFor):
		t.Fatal("engine did not read the next chunk")
	}
}

func (s *source) finish(t *testing.T) {
	t.Helper()

	select {
	case s.chunks <- nil:
	case <-time.After(waitFor):
		t.Fatal("engine did not read the end of the body")
	}
}

type steppedBody struct {
	ctx    context.Context
	chunks chan []byte
}

func (b *steppedBody) Read(p []byte) (int, error) {
	select {
	case chunk := <-b.chunks:
		if chunk == nil {
			return 0, io.EOF
		}

		return copy(p, chunk), nil
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type countingSink struct {
	opens atomic.Int32
}

func (s *countingSink) Open(context.Context, string, string, transfer.Category) (io.WriteCloser, error) {
	s.opens.Add(1)

	return nopWriteCloser{io.Discard}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []notifier.Notification
	hidden   int
}

func (f *fakeNotifier) Notify(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.notified = append(f.notified, n)

	return nil
}

func (f *fakeNotifier) Hide(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hidden++

	return nil
}

func (f *fakeNotifier) last() (notifier.Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.notified) == 0 {
		return notifier.Notification{}, false
	}

	return f.notified[len(f.notified)-1], true
}

func (f *fakeNotifier) hides() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hidden
}

type finishedRecord struct {
	ID      string
	Status  string
	Percent int
	Bytes   int64
}

type fakeRecorder struct {
	mu       sync.Mutex
	created  []string
	finished []finishedRecord
	// release, when set, holds FinishTransfer until it is closed.
	release chan struct{}
}

func (r *fakeRecorder) CreateTransfer(_ context.Context, rec *storage.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.created = append(r.created, rec.ID)

	return nil
}

func (r *fakeRecorder) FinishTransfer(_ context.Context, id, status string, percent int, bytesRead int64, _ string) error {
	if r.release != nil {
		<-r.release
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = append(r.finished, finishedRecord{ID: id, Status: status, Percent: percent, Bytes: bytesRead})

	return nil
}

func (r *fakeRecorder) results() []finishedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]finishedRecord(nil), r.finished...)
}

func (r *fakeRecorder) DeleteFinishedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type harness struct {
	source   *source
	sink     *countingSink
	events   *pubsub.Publisher[transfer.Event]
	notifier *fakeNotifier
	coord    *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		source:   newSource(),
		sink:     &countingSink{},
		events:   pubsub.New[transfer.Event](),
		notifier: &fakeNotifier{},
	}

	var ids atomic.Int32

	opts = append([]Option{WithIDGenerator(func() string {
		return fmt.Sprintf("t-%d", ids.Add(1))
	})}, opts...)

	engine := transfer.NewEngine(h.source, h.sink, h.events, transfer.WithChunkSize(100))
	h.coord = New(ctx, engine, h.events, h.notifier, opts...)

	t.Cleanup(func() {
		cancel()

		closeCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()

		assert.NoError(t, h.coord.Close(closeCtx))
	})

	return h
}

func (h *harness) waitPercent(t *testing.T, percent int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.coord.State().Percent == percent
	}, waitFor, tick)
}

func (h *harness) complete(t *testing.T) transfer.State {
	t.Helper()

	h.source.finish(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	state, err := h.coord.Wait(ctx)
	require.NoError(t, err)

	return state
}

func recv(t *testing.T, sub *pubsub.Subscription[transfer.Event]) transfer.Event {
	t.Helper()

	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")

		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
	}

	return transfer.Event{}
}

func requireClosed(t *testing.T, sub *pubsub.Subscription[transfer.Event]) {
	t.Helper()

	deadline := time.After(waitFor)

	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestStart_SameRequestRunsOnce(t *testing.T) {
	h := newHarness(t)

	id, err := h.coord.Start(video)
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)

	again, err := h.coord.Start(video)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	state := h.complete(t)
	assert.Equal(t, transfer.PhaseCompleted, state.Phase)

	assert.Equal(t, int32(1), h.source.requests.Load())
	assert.Equal(t, int32(1), h.sink.opens.Load())
}

func TestStart_DifferentRequestIsBusy(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	other := video
	other.DestinationName = "other.mp4"

	_, err = h.coord.Start(other)
	assert.ErrorIs(t, err, ErrBusy)

	id, req, ok := h.coord.Current()
	require.True(t, ok)
	assert.Equal(t, "t-1", id)
	assert.Equal(t, "video.mp4", req.DestinationName)
}

func TestStart_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(transfer.Request{SourceURL: "ftp://example.com/a", DestinationName: "a"})
	assert.ErrorIs(t, err, transfer.ErrInvalidRequest)

	_, _, ok := h.coord.Current()
	assert.False(t, ok)
}

func TestStart_RequiresStopAfterFinish(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(video)
	require.NoError(t, err)
	h.complete(t)

	_, err = h.coord.Start(video)
	assert.ErrorIs(t, err, ErrNotStopped)

	require.NoError(t, h.coord.Stop())
	assert.Equal(t, transfer.PhaseIdle, h.coord.State().Phase)

	id, err := h.coord.Start(video)
	require.NoError(t, err)
	assert.Equal(t, "t-2", id)
}

func TestForeground_LateAttachReceivesLatestFirst(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	for range 4 {
		h.source.step(t)
	}

	h.waitPercent(t, 40)

	sub := h.coord.AttachForeground()
	assert.Equal(t, ModeForeground, h.coord.Mode())

	assert.Equal(t, transfer.Event{Type: transfer.EventProgress, Percent: 40}, recv(t, sub))

	h.source.step(t)
	assert.Equal(t, transfer.Event{Type: transfer.EventProgress, Percent: 50}, recv(t, sub))

	h.source.finish(t)
	assert.Equal(t, transfer.Event{Type: transfer.EventProgress, Percent: 100}, recv(t, sub))
	assert.Equal(t, transfer.Event{Type: transfer.EventCompleted, Percent: 100}, recv(t, sub))
}

func TestForeground_StrictlyIncreasingPercents(t *testing.T) {
	h := newHarness(t)

	sub := h.coord.AttachForeground()

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	for range 10 {
		h.source.step(t)
	}

	h.source.finish(t)

	last := 0

	for {
		e := recv(t, sub)
		if e.Terminal() {
			assert.Equal(t, transfer.EventCompleted, e.Type)
			break
		}

		assert.Greater(t, e.Percent, last)
		last = e.Percent
	}

	assert.Equal(t, 100, last)
}

func TestBackground_ReplacesForegroundAndNotifies(t *testing.T) {
	h := newHarness(t)

	sub := h.coord.AttachForeground()

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	h.coord.AttachBackground()
	h.coord.AttachBackground()
	assert.Equal(t, ModeBackground, h.coord.Mode())
	requireClosed(t, sub)

	h.source.step(t)

	require.Eventually(t, func() bool {
		n, ok := h.notifier.last()
		return ok && n == notifier.Notification{Title: "Downloading", Body: "10% complete", Percent: 10}
	}, waitFor, tick)

	h.coord.AttachForeground()

	require.Eventually(t, func() bool { return h.notifier.hides() == 1 }, waitFor, tick)
	assert.Equal(t, ModeForeground, h.coord.Mode())
	assert.Equal(t, transfer.PhaseInProgress, h.coord.State().Phase)
}

func TestBackground_ShowsCompletionUntilStopped(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	h.coord.AttachBackground()
	h.complete(t)

	require.Eventually(t, func() bool {
		n, ok := h.notifier.last()
		return ok && n.Title == "Download Completed"
	}, waitFor, tick)
	assert.Zero(t, h.notifier.hides())

	require.NoError(t, h.coord.Stop())

	require.Eventually(t, func() bool { return h.notifier.hides() == 1 }, waitFor, tick)
	assert.Equal(t, ModeDetached, h.coord.Mode())
	assert.Equal(t, transfer.PhaseIdle, h.coord.State().Phase)

	_, ok := h.events.Latest()
	assert.False(t, ok, "stop must forget the last event")

	_, _, ok = h.coord.Current()
	assert.False(t, ok)
}

func TestBackground_ShowsFailure(t *testing.T) {
	h := newHarness(t)
	h.source.status = http.StatusNotFound

	h.coord.AttachBackground()

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	state, err := h.coord.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, transfer.PhaseFailed, state.Phase)

	require.Eventually(t, func() bool {
		n, ok := h.notifier.last()
		return ok && n.Title == "Download Failed" && n.Body == state.Err.Error()
	}, waitFor, tick)

	assert.Zero(t, h.sink.opens.Load())
}

func TestStop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.coord.Stop(), "stop while idle is a no-op")

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	h.source.step(t)
	h.waitPercent(t, 10)

	assert.ErrorIs(t, h.coord.Stop(), transfer.ErrInProgress)
	assert.Equal(t, transfer.PhaseInProgress, h.coord.State().Phase)

	h.complete(t)
	require.NoError(t, h.coord.Stop())
	assert.Equal(t, transfer.PhaseIdle, h.coord.State().Phase)
}

func TestDetachForeground_IgnoresStaleSubscription(t *testing.T) {
	h := newHarness(t)

	old := h.coord.AttachForeground()
	current := h.coord.AttachForeground()
	requireClosed(t, old)

	h.coord.DetachForeground(old)
	assert.Equal(t, ModeForeground, h.coord.Mode())

	h.coord.DetachForeground(current)
	assert.Equal(t, ModeDetached, h.coord.Mode())
	requireClosed(t, current)
}

func TestDetach_KeepsTransferRunning(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	h.coord.AttachBackground()
	h.coord.Detach()

	assert.Equal(t, ModeDetached, h.coord.Mode())
	require.Eventually(t, func() bool { return h.notifier.hides() == 1 }, waitFor, tick)

	h.source.step(t)
	h.waitPercent(t, 10)

	assert.Equal(t, transfer.PhaseCompleted, h.complete(t).Phase)
}

func TestRecorder_StoresHistory(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, WithRecorder(rec))

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	for range 10 {
		h.source.step(t)
	}

	h.complete(t)

	require.Eventually(t, func() bool { return len(rec.results()) == 1 }, waitFor, tick)
	assert.Equal(t, []finishedRecord{{ID: "t-1", Status: "completed", Percent: 100, Bytes: 1000}}, rec.results())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	assert.Equal(t, []string{"t-1"}, rec.created)
}

func TestStop_AfterTerminalEventWhileHistoryIsWritten(t *testing.T) {
	rec := &fakeRecorder{release: make(chan struct{})}
	h := newHarness(t, WithRecorder(rec))

	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(rec.release) }) }
	t.Cleanup(release)

	sub := h.coord.AttachForeground()

	_, err := h.coord.Start(video)
	require.NoError(t, err)

	h.source.finish(t)

	for {
		if e := recv(t, sub); e.Terminal() {
			assert.Equal(t, transfer.EventCompleted, e.Type)
			break
		}
	}

	assert.Equal(t, transfer.PhaseCompleted, h.coord.State().Phase)
	assert.Empty(t, rec.results(), "history write is still blocked")

	other := video
	other.DestinationName = "other.mp4"

	_, err = h.coord.Start(other)
	assert.ErrorIs(t, err, ErrNotStopped)

	require.NoError(t, h.coord.Stop())
	assert.Equal(t, transfer.PhaseIdle, h.coord.State().Phase)

	id, err := h.coord.Start(other)
	require.NoError(t, err)
	assert.Equal(t, "t-2", id)

	release()

	assert.Equal(t, transfer.PhaseCompleted, h.complete(t).Phase)

	require.Eventually(t, func() bool { return len(rec.results()) == 2 }, waitFor, tick)
	assert.Contains(t, rec.results(), finishedRecord{ID: "t-1", Status: "completed", Percent: 100, Bytes: 0})
}

func TestClose_RejectsNewTransfers(t *testing.T) {
	h := newHarness(t)

	sub := h.coord.AttachForeground()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, h.coord.Close(ctx))
	requireClosed(t, sub)

	_, err := h.coord.Start(video)
	assert.ErrorIs(t, err, ErrClosed)

	late := h.coord.AttachForeground()
	requireClosed(t, late)
	assert.Equal(t, ModeDetached, h.coord.Mode())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestRun_LogsTransferNameOnce(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := context.WithCancel(logctx.WithLogger(context.Background(), logger))
	defer cancel()

	src := newSource()
	events := pubsub.New[transfer.Event]()
	engine := transfer.NewEngine(src, &countingSink{}, events, transfer.WithChunkSize(100))
	coord := New(ctx, engine, events, &fakeNotifier{})

	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), waitFor)
		defer done()

		assert.NoError(t, coord.Close(closeCtx))
	})

	_, err := coord.Start(video)
	require.NoError(t, err)

	src.step(t)
	src.finish(t)

	waitCtx, done := context.WithTimeout(context.Background(), waitFor)
	defer done()

	_, err = coord.Wait(waitCtx)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.NotEmpty(t, lines)

	for _, line := range lines {
		assert.LessOrEqual(t, strings.Count(line, `"name":`), 1, line)
	}

	assert.Contains(t, logs.String(), `"msg":"download completed"`)
}
