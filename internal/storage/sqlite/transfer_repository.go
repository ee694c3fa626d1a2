package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/background_downloader/internal/storage"
)

const timeLayout = time.RFC3339

type TransferRepository struct {
	db *sql.DB
}

func NewTransferRepository(dbConn *sql.DB) *TransferRepository {
	return &TransferRepository{db: dbConn}
}

func (r *TransferRepository) CreateTransfer(ctx context.Context, rec *storage.TransferRecord) error {
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	status := rec.Status
	if status == "" {
		status = "in_progress"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (id, source_url, name, mime_type, category, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceURL, rec.Name, rec.MimeType, rec.Category, status, startedAt.UTC().Format(timeLayout))

	return err
}

// FinishTransfer stores the terminal status of a transfer.
func (r *TransferRepository) FinishTransfer(ctx context.Context, id, status string, percent int, bytesRead int64, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = ?, percent = ?, bytes_read = ?, reason = ?, finished_at = ?
		WHERE id = ?`,
		status, percent, bytesRead, reason, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetTransfers returns the most recent transfers first, up to limit.
func (r *TransferRepository) GetTransfers(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_url, name, mime_type, category, status, percent, bytes_read, reason, started_at, finished_at
		FROM transfers
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []storage.TransferRecord

	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}

		transfers = append(transfers, *record)
	}

	return transfers, rows.Err()
}

func (r *TransferRepository) GetTransfer(ctx context.Context, id string) (*storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source_url, name, mime_type, category, status, percent, bytes_read, reason, started_at, finished_at
		FROM transfers
		WHERE id = ?`, id)

	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return record, err
}

// DeleteFinishedBefore removes finished transfers older than before. Running
// transfers are never removed.
func (r *TransferRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM transfers WHERE finished_at IS NOT NULL AND finished_at < ?`,
		before.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(s scanner) (*storage.TransferRecord, error) {
	var (
		record     storage.TransferRecord
		mimeType   sql.NullString
		category   sql.NullString
		reason     sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)

	err := s.Scan(&record.ID, &record.SourceURL, &record.Name, &mimeType, &category,
		&record.Status, &record.Percent, &record.BytesRead, &reason, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	record.MimeType = mimeType.String
	record.Category = category.String
	record.Reason = reason.String

	if record.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, err
		}

		record.FinishedAt = &t
	}

	return &record, nil
}
