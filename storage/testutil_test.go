package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustBeginTransfer(t *testing.T, store *Store, transferID, role string, updatedAt int64) {
	t.Helper()

	err := store.BeginTransfer(Transfer{
		TransferID:  transferID,
		RoomID:      "room-" + transferID,
		Role:        role,
		FileName:    transferID + ".bin",
		FileSize:    1000,
		TotalChunks: 4,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	})
	if err != nil {
		t.Fatalf("begin transfer %q: %v", transferID, err)
	}
}
