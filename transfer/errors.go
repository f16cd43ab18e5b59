package transfer

import "errors"

var (
	// ErrSinkWriteFailed is recoverable: the receiver falls back to memory.
	ErrSinkWriteFailed = errors.New("transfer: sink write failed")
	// ErrIncompleteTransfer is the fatal finalize-time integrity failure.
	ErrIncompleteTransfer = errors.New("transfer: incomplete transfer")
	// ErrChecksumMismatch means the assembled artifact does not match the declared digest.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrEmptyFrame is logged and dropped.
	ErrEmptyFrame = errors.New("transfer: empty frame")
	// ErrInvalidMetadata rejects metadata that cannot describe a transfer.
	ErrInvalidMetadata = errors.New("transfer: invalid metadata")
	// ErrInvalidResume rejects a resume request outside 0..totalChunks.
	ErrInvalidResume = errors.New("transfer: invalid resume request")
	// ErrSendFailed wraps a channel send error.
	ErrSendFailed = errors.New("transfer: send failed")
	// ErrUnknownFrame indicates an unrecognized control message.
	ErrUnknownFrame = errors.New("transfer: unknown frame")
)
