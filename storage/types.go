package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	TransferStatusPending   = "pending"
	TransferStatusActive    = "active"
	TransferStatusComplete  = "complete"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
)

const (
	transferRoleSender   = "sender"
	transferRoleReceiver = "receiver"
)

// Transfer is the SQLite representation of one participant's transfer.
type Transfer struct {
	TransferID       string
	RoomID           string
	Role             string
	FileName         string
	FileSize         int64
	MimeType         string
	TotalChunks      int
	NextChunk        int
	BytesTransferred int64
	StoredPath       string
	Checksum         string
	Status           string
	Error            string
	CreatedAt        int64
	UpdatedAt        int64
}

// Finished reports whether the transfer reached a terminal status.
func (t Transfer) Finished() bool {
	switch t.Status {
	case TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled:
		return true
	default:
		return false
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateTransferRole(role string) error {
	switch role {
	case transferRoleSender, transferRoleReceiver:
		return nil
	default:
		return fmt.Errorf("invalid transfer role %q", role)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPointer(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
