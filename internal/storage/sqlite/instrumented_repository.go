package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/background_downloader/internal/storage"
	"github.com/italolelis/background_downloader/internal/telemetry"
)

// InstrumentedTransferRepository wraps TransferRepository with telemetry.
type InstrumentedTransferRepository struct {
	repo      *TransferRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedTransferRepository creates a new instrumented transfer repository.
func NewInstrumentedTransferRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedTransferRepository {
	return &InstrumentedTransferRepository{
		repo:      NewTransferRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedTransferRepository) CreateTransfer(ctx context.Context, rec *storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_transfer", func(ctx context.Context) error {
		return r.repo.CreateTransfer(ctx, rec)
	})
}

func (r *InstrumentedTransferRepository) FinishTransfer(ctx context.Context, id, status string, percent int, bytesRead int64, reason string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_transfer", func(ctx context.Context) error {
		return r.repo.FinishTransfer(ctx, id, status, percent, bytesRead, reason)
	})
}

// GetTransfers retrieves transfer history with telemetry.
func (r *InstrumentedTransferRepository) GetTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfers", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTransfers(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTransferRepository) GetTransfer(ctx context.Context, id string) (*storage.TransferRecord, error) {
	var result *storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_transfer", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetTransfer(ctx, id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTransferRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_finished_transfers", func(ctx context.Context) error {
		var err error

		deleted, err = r.repo.DeleteFinishedBefore(ctx, before)

		return err
	})

	return deleted, err
}
