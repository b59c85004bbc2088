package storage

import "errors"

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Transfer status values recorded for stored files.
const (
	TransferStatusPending   = "pending"
	TransferStatusComplete  = "complete"
	TransferStatusCancelled = "cancelled"
	TransferStatusErrored   = "errored"
)

// FileMetadata is one stored-file row.
type FileMetadata struct {
	StoredName   string
	OriginalName string
	Uploader     string
	Recipient    string
	Filesize     int64
	Status       string
	CreatedAt    int64
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusComplete, TransferStatusCancelled, TransferStatusErrored:
		return nil
	default:
		return errors.New("storage: invalid transfer status " + status)
	}
}
