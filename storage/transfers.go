package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// BeginTransfer inserts a new transfer row.
func (s *Store) BeginTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.RoomID == "" {
		return errors.New("room_id is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateTransferRole(transfer.Role); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = nowUnixMilli()
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = transfer.CreatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			room_id,
			role,
			file_name,
			file_size,
			mime_type,
			total_chunks,
			next_chunk,
			bytes_transferred,
			stored_path,
			checksum,
			status,
			error,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.RoomID,
		transfer.Role,
		transfer.FileName,
		transfer.FileSize,
		nullString(stringPointer(transfer.MimeType)),
		transfer.TotalChunks,
		transfer.NextChunk,
		transfer.BytesTransferred,
		transfer.StoredPath,
		transfer.Checksum,
		transfer.Status,
		transfer.Error,
		transfer.CreatedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// UpdateProgress records the resume point of an unfinished transfer and marks
// it active.
func (s *Store) UpdateProgress(transferID string, nextChunk int, bytesTransferred int64) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if nextChunk < 0 {
		return errors.New("next_chunk must be >= 0")
	}
	if bytesTransferred < 0 {
		return errors.New("bytes_transferred must be >= 0")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET next_chunk = ?, bytes_transferred = ?, status = ?, updated_at = ?
		WHERE transfer_id = ? AND status IN (?, ?)`,
		nextChunk,
		bytesTransferred,
		TransferStatusActive,
		nowUnixMilli(),
		transferID,
		TransferStatusPending,
		TransferStatusActive,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transferID, err)
	}
	return requireRow(res, transferID)
}

// FinishTransfer moves a transfer to a terminal status.
func (s *Store) FinishTransfer(transferID, status, storedPath, errMsg string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if status == TransferStatusPending || status == TransferStatusActive {
		return fmt.Errorf("transfer status %q is not terminal", status)
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			stored_path = CASE WHEN ? = '' THEN stored_path ELSE ? END,
			error = ?,
			next_chunk = CASE WHEN ? = ? THEN total_chunks ELSE next_chunk END,
			bytes_transferred = CASE WHEN ? = ? THEN file_size ELSE bytes_transferred END,
			updated_at = ?
		WHERE transfer_id = ?`,
		status,
		storedPath, storedPath,
		errMsg,
		status, TransferStatusComplete,
		status, TransferStatusComplete,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}
	return requireRow(res, transferID)
}

// GetTransfer fetches one transfer by id.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(selectTransfers+` WHERE transfer_id = ?`, transferID)
	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns the most recently updated transfers first. A limit
// of zero or less returns every row.
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	query := selectTransfers + ` ORDER BY updated_at DESC, transfer_id`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// PruneTransfers removes finished transfers last updated before cutoff.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers WHERE updated_at < ? AND status IN (?, ?, ?)`,
		cutoffTimestamp,
		TransferStatusComplete,
		TransferStatusFailed,
		TransferStatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pruned transfers: %w", err)
	}
	return rowsAffected, nil
}

const selectTransfers = `SELECT
	transfer_id,
	room_id,
	role,
	file_name,
	file_size,
	mime_type,
	total_chunks,
	next_chunk,
	bytes_transferred,
	stored_path,
	checksum,
	status,
	error,
	created_at,
	updated_at
FROM transfers`

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer Transfer
		mimeType sql.NullString
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.RoomID,
		&transfer.Role,
		&transfer.FileName,
		&transfer.FileSize,
		&mimeType,
		&transfer.TotalChunks,
		&transfer.NextChunk,
		&transfer.BytesTransferred,
		&transfer.StoredPath,
		&transfer.Checksum,
		&transfer.Status,
		&transfer.Error,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if mimeType.Valid {
		transfer.MimeType = mimeType.String
	}
	return &transfer, nil
}

func requireRow(res sql.Result, transferID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
