package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHandle struct {
	sink *fakeSink
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	if h.sink.failWriteAt > 0 && len(h.sink.writes)+1 >= h.sink.failWriteAt {
		return 0, errors.New("disk full")
	}

	h.sink.writes = append(h.sink.writes, append([]byte(nil), p...))

	return len(p), nil
}

func (h *memHandle) Close() error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	h.sink.closed++

	return h.sink.closeErr
}

type fakeSink struct {
	mu          sync.Mutex
	opens       int
	opened      chan struct{}
	openErr     error
	closeErr    error
	failWriteAt int
	writes      [][]byte
	closed      int
	lastName    string
	lastMime    string
	lastCat     Category
}

func (s *fakeSink) Open(_ context.Context, name, mimeType string, category Category) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	s.lastName, s.lastMime, s.lastCat = name, mimeType, category

	if s.opened != nil {
		close(s.opened)
		s.opened = nil
	}

	if s.openErr != nil {
		return nil, s.openErr
	}

	return &memHandle{sink: s}, nil
}

func (s *fakeSink) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.Join(s.writes, nil)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	check  func(Event)
}

func (p *recordingPublisher) Publish(e Event) {
	if p.check != nil {
		p.check(e)
	}

	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) progress() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int

	for _, e := range p.events {
		if e.Type == EventProgress {
			out = append(out, e.Percent)
		}
	}

	return out
}

func (p *recordingPublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.events[len(p.events)-1]
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) {
	return f(r)
}

func respond(status int, length int64, body io.Reader) Doer {
	return doerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    status,
			ContentLength: length,
			Body:          io.NopCloser(body),
		}, nil
	})
}

type countingReader struct {
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++

	return c.r.Read(p)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}

	n := copy(p, f.data)
	f.data = f.data[n:]

	return n, nil
}

var testRequest = Request{
	SourceURL:       "https://example.com/file.mp4",
	DestinationName: "file.mp4",
	MimeType:        "video/mp4",
	Category:        CategoryDownloads,
}

func TestEngine_QuarterChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1000)
	sink := &fakeSink{}
	pub := &recordingPublisher{}

	engine := NewEngine(respond(http.StatusOK, 1000, bytes.NewReader(payload)), sink, pub, WithChunkSize(250))

	state, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 100, state.Percent)
	assert.Equal(t, []int{25, 50, 75, 100}, pub.progress())
	assert.Equal(t, Event{Type: EventCompleted, Percent: 100}, pub.last())

	assert.Equal(t, 1, sink.opens)
	assert.Len(t, sink.writes, 4)
	assert.Equal(t, payload, sink.written())
	assert.Equal(t, 1, sink.closed)
	assert.Equal(t, int64(1000), state.BytesRead)
	assert.Equal(t, "video/mp4", sink.lastMime)
	assert.Equal(t, CategoryDownloads, sink.lastCat)
}

func TestEngine_UnknownLengthEmitsOnlyFinalProgress(t *testing.T) {
	tests := []struct {
		name   string
		length int64
		body   string
	}{
		{name: "unknown length", length: -1, body: strings.Repeat("x", 10000)},
		{name: "zero length header with body", length: 0, body: strings.Repeat("x", 300)},
		{name: "empty body", length: 0, body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			pub := &recordingPublisher{}

			engine := NewEngine(respond(http.StatusOK, tt.length, strings.NewReader(tt.body)), sink, pub)

			state, err := engine.Run(context.Background(), testRequest)
			require.NoError(t, err)

			assert.Equal(t, PhaseCompleted, state.Phase)
			assert.Equal(t, []int{100}, pub.progress())
			assert.Equal(t, EventCompleted, pub.last().Type)
			assert.Equal(t, 1, sink.opens)
			assert.Equal(t, tt.body, string(sink.written()))
		})
	}
}

func TestEngine_NonSuccessStatusNeverOpensSink(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusMultipleChoices} {
		sink := &fakeSink{}
		pub := &recordingPublisher{}

		engine := NewEngine(respond(status, 10, strings.NewReader("not found!")), sink, pub)

		state, err := engine.Run(context.Background(), testRequest)
		require.NoError(t, err)

		assert.Equal(t, PhaseFailed, state.Phase)

		var httpErr *HTTPError
		require.ErrorAs(t, state.Err, &httpErr)
		assert.Equal(t, status, httpErr.StatusCode)
		assert.Equal(t, 0, sink.opens)
		assert.Empty(t, pub.progress())
		assert.Equal(t, EventFailed, pub.last().Type)
	}
}

func TestEngine_TransportError(t *testing.T) {
	sink := &fakeSink{}
	pub := &recordingPublisher{}
	dialErr := errors.New("connection refused")

	engine := NewEngine(doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, dialErr
	}), sink, pub)

	state, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, state.Err, &httpErr)
	assert.Equal(t, 0, httpErr.StatusCode)
	assert.ErrorIs(t, state.Err, dialErr)
	assert.Equal(t, 0, sink.opens)
}

func TestEngine_SinkOpenFailureDoesNotConsumeBody(t *testing.T) {
	body := &countingReader{r: strings.NewReader("payload")}
	sink := &fakeSink{openErr: errors.New("permission denied")}
	pub := &recordingPublisher{}

	engine := NewEngine(respond(http.StatusOK, 7, body), sink, pub)

	state, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	var sinkErr *SinkError
	require.ErrorAs(t, state.Err, &sinkErr)
	assert.Equal(t, "file.mp4", sinkErr.Name)
	assert.Equal(t, 0, body.reads)
	assert.Equal(t, EventFailed, pub.last().Type)
}

func TestEngine_WriteFailure(t *testing.T) {
	sink := &fakeSink{failWriteAt: 2}
	pub := &recordingPublisher{}

	engine := NewEngine(respond(http.StatusOK, 1000, bytes.NewReader(make([]byte, 1000))), sink, pub, WithChunkSize(250))

	state, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	var ioErr *IOError
	require.ErrorAs(t, state.Err, &ioErr)
	assert.Equal(t, "write", ioErr.Op)
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, 25, state.Percent)
	assert.Equal(t, []int{25}, pub.progress())
	assert.Equal(t, Event{Type: EventFailed, Percent: 25, Reason: state.Err.Error()}, pub.last())
	assert.Equal(t, 1, sink.closed)
}

func TestEngine_ReadFailureLeavesPartialArtifact(t *testing.T) {
	readErr := io.ErrUnexpectedEOF
	sink := &fakeSink{}
	pub := &recordingPublisher{}

	body := &failingReader{data: make([]byte, 600), err: readErr}
	engine := NewEngine(respond(http.StatusOK, 1000, body), sink, pub, WithChunkSize(250))

	state, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	var ioErr *IOError
	require.ErrorAs(t, state.Err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.Equal(t, int64(600), ioErr.BytesRead)
	assert.ErrorIs(t, state.Err, readErr)
	assert.Len(t, sink.written(), 600)
	assert.Equal(t, []int{25, 50, 60}, pub.progress())
}

func TestEngine_CloseFailure(t *testing.T) {
	sink := &fakeSink{closeErr: errors.New("flush failed")}
	pub := &recordingPublisher{}

	engine := NewEngine(respond(http.StatusOK, 4, strings.NewReader("data")), sink, pub)

	state, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	var ioErr *IOError
	require.ErrorAs(t, state.Err, &ioErr)
	assert.Equal(t, "close", ioErr.Op)
}

func TestEngine_StateMatchesLastPublishedPercent(t *testing.T) {
	sink := &fakeSink{}
	pub := &recordingPublisher{}

	engine := NewEngine(respond(http.StatusOK, 100000, bytes.NewReader(make([]byte, 100000))), sink, pub, WithChunkSize(333))

	// Terminal events are published under the engine lock, so only progress
	// events are checked against State here.
	pub.check = func(e Event) {
		if e.Type == EventProgress {
			assert.Equal(t, e.Percent, engine.State().Percent)
		}
	}

	_, err := engine.Run(context.Background(), testRequest)
	require.NoError(t, err)

	got := pub.progress()
	require.NotEmpty(t, got)

	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

type chanPublisher chan Event

func (c chanPublisher) Publish(e Event) {
	c <- e
}

func TestEngine_ResettableOnceTerminalEventIsSeen(t *testing.T) {
	events := make(chanPublisher, 16)
	payload := make([]byte, 100)

	engine := NewEngine(doerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			ContentLength: int64(len(payload)),
			Body:          io.NopCloser(bytes.NewReader(payload)),
		}, nil
	}), &fakeSink{}, events, WithChunkSize(50))

	errs := make(chan error, 2)

	for range 2 {
		go func() {
			_, err := engine.Run(context.Background(), testRequest)
			errs <- err
		}()

		for terminal := false; !terminal; {
			select {
			case e := <-events:
				terminal = e.Terminal()
			case <-time.After(5 * time.Second):
				t.Fatal("no terminal event")
			}
		}

		assert.True(t, engine.State().Terminal())
		require.NoError(t, engine.Reset())
	}

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

type gatedReader struct {
	first []byte
	gate  chan struct{}
}

func (g *gatedReader) Read(p []byte) (int, error) {
	if len(g.first) > 0 {
		n := copy(p, g.first)
		g.first = g.first[n:]

		return n, nil
	}

	<-g.gate

	return 0, io.EOF
}

func TestEngine_RunGuards(t *testing.T) {
	opened := make(chan struct{})
	sink := &fakeSink{opened: opened}
	pub := &recordingPublisher{}
	body := &gatedReader{first: make([]byte, 10), gate: make(chan struct{})}

	engine := NewEngine(respond(http.StatusOK, 20, body), sink, pub, WithChunkSize(10))

	done := make(chan Result)

	go func() {
		state, _ := engine.Run(context.Background(), testRequest)
		done <- state
	}()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("sink was never opened")
	}

	_, err := engine.Run(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, engine.Reset(), ErrInProgress)
	assert.Equal(t, PhaseInProgress, engine.State().Phase)

	close(body.gate)

	state := <-done
	assert.Equal(t, PhaseCompleted, state.Phase)

	_, err = engine.Run(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrNotIdle)

	require.NoError(t, engine.Reset())
	assert.Equal(t, State{Phase: PhaseIdle}, engine.State())
	assert.Equal(t, 1, sink.opens)
}

func TestEngine_OverHTTP(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 5000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	sink := &fakeSink{}
	pub := &recordingPublisher{}
	req := testRequest
	req.SourceURL = server.URL + "/file.mp4"

	engine := NewEngine(server.Client(), sink, pub)

	state, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, payload, sink.written())
	assert.Equal(t, 100, pub.progress()[len(pub.progress())-1])
}
