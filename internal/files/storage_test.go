package files_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/database"
	"speakeasy-server/internal/files"
	"speakeasy-server/internal/models"
)

func setupStorageTest(t *testing.T) (*files.Storage, uuid.UUID, uuid.UUID) {
	t.Helper()
	if err := database.SetupForTest(); err != nil {
		t.Fatal(err)
	}

	storage, err := files.NewStorage(t.TempDir(), 1024, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}

	channelID, _ := uuid.NewV7()
	channel := models.Channel{
		ID:          channelID,
		Name:        "uploads",
		Kind:        models.ChannelKindText,
		Persistence: models.ChannelPermanent,
		CreatedAt:   time.Now().UTC(),
	}
	if err := database.CreateChannel(database.Conn(), &channel); err != nil {
		t.Fatal(err)
	}

	uploaderID, _ := uuid.NewV7()
	return storage, channelID, uploaderID
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadRoundTrip(t *testing.T) {
	storage, channelID, uploaderID := setupStorageTest(t)

	content := []byte("hello voice server")
	upload, err := storage.Begin(channelID, uploaderID, "notes.txt", "text/plain", int64(len(content)), digestOf(content))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := upload.Write(content); err != nil {
		t.Fatal(err)
	}

	file, err := upload.Close()
	if err != nil {
		t.Fatal(err)
	}
	if file.Sha256 != digestOf(content) {
		t.Error("stored digest mismatch")
	}

	reader, err := storage.Open(&file)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("read back %q, want %q", got, content)
	}
}

func TestUploadChecksumMismatchRejected(t *testing.T) {
	storage, channelID, uploaderID := setupStorageTest(t)

	content := []byte("real content")
	upload, err := storage.Begin(channelID, uploaderID, "notes.txt", "text/plain", int64(len(content)), digestOf([]byte("claimed content!")))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := upload.Write(content); err != nil {
		t.Fatal(err)
	}

	if _, err := upload.Close(); !errors.Is(err, files.ErrChecksumMismatch) {
		t.Errorf("expected checksum mismatch, got %v", err)
	}

	// nothing committed
	list, err := database.ListFiles(database.Conn(), channelID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("rejected upload must not leave a row, found %d", len(list))
	}
}

func TestUploadMimeMismatchRejected(t *testing.T) {
	storage, channelID, uploaderID := setupStorageTest(t)

	_, err := storage.Begin(channelID, uploaderID, "image.png", "text/plain", 10, digestOf([]byte("0123456789")))
	if !errors.Is(err, files.ErrMimeMismatch) {
		t.Errorf("expected mime mismatch, got %v", err)
	}
}

func TestUploadQuotaEnforced(t *testing.T) {
	storage, channelID, uploaderID := setupStorageTest(t)

	// quota is 1024 bytes; a 2000-byte declaration must be rejected
	_, err := storage.Begin(channelID, uploaderID, "big.txt", "text/plain", 2000, digestOf([]byte("x")))
	if !errors.Is(err, files.ErrQuotaExceeded) {
		t.Errorf("expected quota rejection, got %v", err)
	}
}

func TestDeleteTombstones(t *testing.T) {
	storage, channelID, uploaderID := setupStorageTest(t)

	content := []byte("to be deleted")
	upload, err := storage.Begin(channelID, uploaderID, "gone.txt", "text/plain", int64(len(content)), digestOf(content))
	if err != nil {
		t.Fatal(err)
	}
	upload.Write(content)
	file, err := upload.Close()
	if err != nil {
		t.Fatal(err)
	}

	if err := storage.Delete(file.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := database.GetFile(database.Conn(), file.ID); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("deleted file must not resolve, got %v", err)
	}

	if _, err := storage.Open(&file); err == nil {
		t.Error("blob of the last reference should be removed from disk")
	}
}
