package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/background_downloader/internal/lifecycle"
	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/pubsub"
	"github.com/italolelis/background_downloader/internal/storage"
	"github.com/italolelis/background_downloader/internal/transfer"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxRequestBody      = 64 * 1024
)

// Coordinator is the lifecycle surface exposed over HTTP.
type Coordinator interface {
	Start(req transfer.Request) (string, error)
	Stop() error
	State() transfer.State
	Mode() lifecycle.Mode
	Current() (string, transfer.Request, bool)
	AttachForeground() *pubsub.Subscription[transfer.Event]
	AttachBackground()
	Detach()
	DetachForeground(sub *pubsub.Subscription[transfer.Event])
}

type TransferResponse struct {
	ID      string            `json:"id,omitempty"`
	Request *transfer.Request `json:"request,omitempty"`
	State   transfer.State    `json:"state"`
	Mode    string            `json:"mode"`
}

type ObserverResponse struct {
	Mode string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type TransferHandler struct {
	username    string
	password    string
	coordinator Coordinator
	history     storage.TransferReadRepository
}

// NewTransferHandler creates the transfer control handler. Basic auth is
// enforced when username is not empty. history may be nil.
func NewTransferHandler(username, password string, c Coordinator, history storage.TransferReadRepository) *TransferHandler {
	return &TransferHandler{
		username:    username,
		password:    password,
		coordinator: c,
		history:     history,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.HandleListTransfers)
		r.Post("/", h.HandleStartTransfer)
		r.Get("/current", h.HandleGetCurrent)
		r.Delete("/current", h.HandleStopTransfer)
		r.Get("/current/events", h.HandleEvents)
	})

	r.Route("/observer", func(r chi.Router) {
		r.Get("/", h.HandleGetObserver)
		r.Delete("/", h.HandleDetach)
		r.Put("/background", h.HandleAttachBackground)
	})

	return r
}

// HandleStartTransfer starts a transfer, or returns the running one when the
// same request is already in progress.
func (h *TransferHandler) HandleStartTransfer(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req transfer.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	id, err := h.coordinator.Start(req)
	if err != nil {
		logger.Warn("failed to start transfer", "url", req.SourceURL, "err", err)
		writeError(w, statusFor(err), err.Error())

		return
	}

	logger.Info("transfer accepted", "transfer_id", id, "name", req.DestinationName)

	writeJSON(w, http.StatusAccepted, h.current())
}

func (h *TransferHandler) HandleGetCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current())
}

// HandleStopTransfer acknowledges a finished transfer and returns the
// service to idle.
func (h *TransferHandler) HandleStopTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.Stop(); err != nil {
		logctx.LoggerFromContext(r.Context()).Warn("failed to stop transfer", "err", err)
		writeError(w, statusFor(err), err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents attaches the caller as the foreground observer and streams
// transfer events as Server-Sent Events until the transfer finishes, another
// view takes over or the client disconnects.
func (h *TransferHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	rc := http.NewResponseController(w)

	// The stream lives longer than the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("failed to clear write deadline", "err", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		logger.Error("streaming is not supported", "err", err)

		return
	}

	sub := h.coordinator.AttachForeground()
	defer h.coordinator.DetachForeground(sub)

	logger.Debug("foreground observer attached")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("foreground observer disconnected")

			return
		case event, ok := <-sub.C():
			if !ok {
				fmt.Fprint(w, "event: detached\ndata: {}\n\n")
				_ = rc.Flush()

				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				logger.Error("failed to encode event", "err", err)

				return
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}

			if err := rc.Flush(); err != nil {
				return
			}

			if event.Terminal() {
				return
			}
		}
	}
}

func (h *TransferHandler) HandleGetObserver(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ObserverResponse{Mode: h.coordinator.Mode().String()})
}

// HandleAttachBackground hands progress reporting over to the background
// notifier. Any streaming foreground observer is disconnected.
func (h *TransferHandler) HandleAttachBackground(w http.ResponseWriter, r *http.Request) {
	h.coordinator.AttachBackground()

	writeJSON(w, http.StatusOK, ObserverResponse{Mode: h.coordinator.Mode().String()})
}

func (h *TransferHandler) HandleDetach(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Detach()

	w.WriteHeader(http.StatusNoContent)
}

// HandleListTransfers returns the transfer history, newest first.
func (h *TransferHandler) HandleListTransfers(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	if h.history == nil {
		writeJSON(w, http.StatusOK, []storage.TransferRecord{})

		return
	}

	transfers, err := h.history.GetTransfers(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list transfers", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list transfers")

		return
	}

	if transfers == nil {
		transfers = []storage.TransferRecord{}
	}

	writeJSON(w, http.StatusOK, transfers)
}

func (h *TransferHandler) current() TransferResponse {
	resp := TransferResponse{
		State: h.coordinator.State(),
		Mode:  h.coordinator.Mode().String(),
	}

	if id, req, ok := h.coordinator.Current(); ok {
		resp.ID = id
		resp.Request = &req
	}

	return resp
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrBusy),
		errors.Is(err, lifecycle.ErrNotStopped),
		errors.Is(err, transfer.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
