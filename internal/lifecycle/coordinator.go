// Package lifecycle decides when the transfer runs and which view observes
// it: an attached foreground observer or the background notification relay.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/notifier"
	"github.com/italolelis/background_downloader/internal/pubsub"
	"github.com/italolelis/background_downloader/internal/storage"
	"github.com/italolelis/background_downloader/internal/transfer"
)

var (
	// ErrBusy is returned by Start while a different request is in progress.
	ErrBusy = errors.New("another transfer is in progress")
	// ErrNotStopped is returned by Start when the previous transfer finished
	// but Stop was not called yet.
	ErrNotStopped = errors.New("previous transfer finished but was not stopped")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("coordinator is closed")
)

// Mode tells which view is currently attached.
type Mode int

const (
	ModeDetached Mode = iota
	ModeForeground
	ModeBackground
)

func (m Mode) String() string {
	switch m {
	case ModeForeground:
		return "foreground"
	case ModeBackground:
		return "background"
	default:
		return "detached"
	}
}

// Engine runs a single transfer at a time.
type Engine interface {
	Run(ctx context.Context, req transfer.Request) (transfer.Result, error)
	State() transfer.State
	Reset() error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder stores every started transfer in the history repository.
func WithRecorder(repo storage.TransferWriteRepository) Option {
	return func(c *Coordinator) {
		c.recorder = repo
	}
}

// WithIDGenerator overrides the transfer id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// Coordinator owns the worker goroutine and the attached views. None of its
// methods block on network or disk I/O.
type Coordinator struct {
	ctx      context.Context
	engine   Engine
	events   *pubsub.Publisher[transfer.Event]
	notifier notifier.Notifier
	recorder storage.TransferWriteRepository
	newID    func() string

	mu         sync.Mutex
	mode       Mode
	closed     bool
	id         string
	req        transfer.Request
	running    bool
	done       chan struct{}
	foreground *pubsub.Subscription[transfer.Event]
	relay      *relay
	lastRelay  <-chan struct{}

	wg sync.WaitGroup
}

// New creates a Coordinator. ctx is the base context of worker and relay
// goroutines; cancelling it aborts a running transfer.
func New(ctx context.Context, engine Engine, events *pubsub.Publisher[transfer.Event], n notifier.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		ctx:      ctx,
		engine:   engine,
		events:   events,
		notifier: n,
		newID:    uuid.NewString,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins req in the background and returns its transfer id. Starting
// the request that is already in progress returns the existing id.
func (c *Coordinator) Start(req transfer.Request) (string, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}

	state := c.engine.State()

	if c.activeLocked(state) {
		if c.req == req {
			return c.id, nil
		}

		return "", ErrBusy
	}

	if state.Phase != transfer.PhaseIdle {
		return "", ErrNotStopped
	}

	c.id = c.newID()
	c.req = req
	c.running = true
	c.done = make(chan struct{})

	c.wg.Add(1)

	go c.run(c.id, req, c.done)

	return c.id, nil
}

func (c *Coordinator) run(id string, req transfer.Request, done chan struct{}) {
	defer c.wg.Done()

	ctx, logger := logctx.With(c.ctx, "transfer_id", id, "name", req.DestinationName)

	logger.Info("transfer started", "url", req.SourceURL, "category", req.Category)

	if c.recorder != nil {
		err := c.recorder.CreateTransfer(ctx, &storage.TransferRecord{
			ID:        id,
			SourceURL: req.SourceURL,
			Name:      req.DestinationName,
			MimeType:  req.MimeType,
			Category:  string(req.Category),
		})
		if err != nil {
			logger.Warn("failed to record transfer", "err", err)
		}
	}

	result, err := c.engine.Run(ctx, req)
	if err != nil {
		logger.Error("transfer engine refused to run", "err", err)
	}

	c.mu.Lock()
	if c.done == done {
		c.running = false
	}
	close(done)
	c.mu.Unlock()

	logger.Info("transfer finished", "phase", result.Phase.String(), "percent", result.Percent)

	if c.recorder == nil {
		return
	}

	reason := ""
	if result.Err != nil {
		reason = result.Err.Error()
	}

	// The base context may already be cancelled on shutdown.
	recordCtx := context.WithoutCancel(ctx)
	if err := c.recorder.FinishTransfer(recordCtx, id, result.Phase.String(), result.Percent, result.BytesRead, reason); err != nil {
		logger.Warn("failed to record transfer result", "err", err)
	}
}

// activeLocked reports whether the started transfer has not reached a
// terminal state yet. A run that was started but not yet picked up by the
// engine counts as active.
func (c *Coordinator) activeLocked(state transfer.State) bool {
	return c.running && !state.Terminal()
}

// AttachForeground subscribes a new foreground observer. Any previous
// foreground subscription is closed and the background relay is released.
// After Close the returned subscription is already closed.
func (c *Coordinator) AttachForeground() *pubsub.Subscription[transfer.Event] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		sub := c.events.Subscribe()
		c.events.Unsubscribe(sub)

		return sub
	}

	c.unsubscribeForegroundLocked()
	c.releaseRelayLocked()

	c.foreground = c.events.Subscribe()
	c.mode = ModeForeground

	return c.foreground
}

// AttachBackground closes the foreground observer and hands progress over to
// the notification relay.
func (c *Coordinator) AttachBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.unsubscribeForegroundLocked()

	if c.relay == nil {
		c.relay = c.startRelayLocked()
	}

	c.mode = ModeBackground
}

// Detach removes whichever view is attached. The transfer keeps running.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribeForegroundLocked()
	c.releaseRelayLocked()

	c.mode = ModeDetached
}

// DetachForeground detaches sub only if it is still the foreground observer.
func (c *Coordinator) DetachForeground(sub *pubsub.Subscription[transfer.Event]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub == nil || c.foreground != sub {
		return
	}

	c.unsubscribeForegroundLocked()

	c.mode = ModeDetached
}

// Stop returns a finished transfer to idle and releases the background
// relay. It is a no-op while idle and refuses while in progress. It succeeds
// as soon as the transfer state is terminal, even if the history record is
// still being written.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.engine.State()

	if c.activeLocked(state) {
		return transfer.ErrInProgress
	}

	if state.Phase == transfer.PhaseIdle {
		return nil
	}

	c.releaseRelayLocked()

	if err := c.engine.Reset(); err != nil {
		return err
	}

	c.events.Reset()

	if c.mode == ModeBackground {
		c.mode = ModeDetached
	}

	c.running = false
	c.id = ""
	c.req = transfer.Request{}

	return nil
}

// State returns the transfer state.
func (c *Coordinator) State() transfer.State {
	return c.engine.State()
}

func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// Current returns the id and request of the transfer that was started last
// and not stopped yet.
func (c *Coordinator) Current() (string, transfer.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.id, c.req, c.id != ""
}

// Wait blocks until the current transfer reaches a terminal state or ctx is
// done. History records may still be written after it returns.
func (c *Coordinator) Wait(ctx context.Context) (transfer.State, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return c.engine.State(), nil
	}

	select {
	case <-done:
		return c.engine.State(), nil
	case <-ctx.Done():
		return c.engine.State(), ctx.Err()
	}
}

// Close detaches every view, waits for the worker and relay goroutines and
// closes the event publisher.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.unsubscribeForegroundLocked()
	c.releaseRelayLocked()
	c.mode = ModeDetached
	c.mu.Unlock()

	waited := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(waited)
	}()

	defer c.events.Close()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unsubscribeForegroundLocked() {
	if c.foreground == nil {
		return
	}

	c.events.Unsubscribe(c.foreground)
	c.foreground = nil
}
