package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a transfer record does not exist.
var ErrNotFound = errors.New("transfer record not found")

// TransferRecord is the history entry of one transfer.
type TransferRecord struct {
	ID         string     `json:"id"`
	SourceURL  string     `json:"url"`
	Name       string     `json:"name"`
	MimeType   string     `json:"mime_type"`
	Category   string     `json:"category"`
	Status     string     `json:"status"`
	Percent    int        `json:"percent"`
	BytesRead  int64      `json:"bytes_read"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TransferReadRepository reads transfer history.
type TransferReadRepository interface {
	GetTransfers(ctx context.Context, limit int) ([]TransferRecord, error)
	GetTransfer(ctx context.Context, id string) (*TransferRecord, error)
}

// TransferWriteRepository records transfers as they start and finish.
type TransferWriteRepository interface {
	CreateTransfer(ctx context.Context, rec *TransferRecord) error
	FinishTransfer(ctx context.Context, id, status string, percent int, bytesRead int64, reason string) error
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

type TransferRepository interface {
	TransferReadRepository
	TransferWriteRepository
}
