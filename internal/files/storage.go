// Package files stores uploaded files under a content-addressed layout:
// <root>/<sha256[0:2]>/<sha256>. The digest is verified when an upload is
// closed; mime mismatch, quota overflow and checksum mismatch all reject
// the upload before a row is committed.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/database"
	"speakeasy-server/internal/models"
)

var (
	ErrQuotaExceeded    = errors.New("conflict")
	ErrChecksumMismatch = errors.New("bad_request")
	ErrMimeMismatch     = errors.New("bad_request")
)

type Storage struct {
	root string
	// per-channel byte ceiling; 0 disables the quota
	quota int64
	sugar *zap.SugaredLogger
}

func NewStorage(root string, quotaBytes int64, sugar *zap.SugaredLogger) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Storage{root: root, quota: quotaBytes, sugar: sugar}, nil
}

func (s *Storage) pathFor(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}

// Upload is an in-progress transfer. Bytes stream into a temp file while
// the digest accumulates; Close verifies and commits.
type Upload struct {
	storage    *Storage
	channelID  uuid.UUID
	uploaderID uuid.UUID
	filename   string
	mimeType   string

	declaredSize   int64
	declaredSha256 string

	temp    *os.File
	hasher  hash.Hash
	written int64
}

// Begin opens an upload after checking the declared size against the
// channel quota and the declared mime type against the filename.
func (s *Storage) Begin(channelID uuid.UUID, uploaderID uuid.UUID, filename string, mimeType string, size int64, sha256Hex string) (*Upload, error) {
	if !mimeMatchesFilename(mimeType, filename) {
		return nil, fmt.Errorf("%w: mime %q does not match %q", ErrMimeMismatch, mimeType, filename)
	}

	if s.quota > 0 {
		used, err := database.ChannelFileUsage(database.Conn(), channelID)
		if err != nil {
			return nil, err
		}
		if used+size > s.quota {
			return nil, fmt.Errorf("%w: channel quota exceeded", ErrQuotaExceeded)
		}
	}

	temp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return nil, err
	}

	return &Upload{
		storage:        s,
		channelID:      channelID,
		uploaderID:     uploaderID,
		filename:       filename,
		mimeType:       mimeType,
		declaredSize:   size,
		declaredSha256: strings.ToLower(sha256Hex),
		temp:           temp,
		hasher:         sha256.New(),
	}, nil
}

func (u *Upload) Write(p []byte) (int, error) {
	if u.written+int64(len(p)) > u.declaredSize {
		u.Abort()
		return 0, fmt.Errorf("%w: more bytes than declared", ErrChecksumMismatch)
	}
	n, err := u.temp.Write(p)
	u.hasher.Write(p[:n])
	u.written += int64(n)
	return n, err
}

// Close verifies the digest and size, moves the blob to its
// content-addressed path, and records the row. The temp file is always
// removed; if recording the row fails after the move, the blob stays at
// its content-addressed path without a row.
func (u *Upload) Close() (models.File, error) {
	defer os.Remove(u.temp.Name())

	if err := u.temp.Close(); err != nil {
		return models.File{}, err
	}
	if u.written != u.declaredSize {
		return models.File{}, fmt.Errorf("%w: size mismatch", ErrChecksumMismatch)
	}

	digest := hex.EncodeToString(u.hasher.Sum(nil))
	if digest != u.declaredSha256 {
		return models.File{}, fmt.Errorf("%w: sha256 mismatch", ErrChecksumMismatch)
	}

	target := u.storage.pathFor(digest)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return models.File{}, err
	}
	if err := os.Rename(u.temp.Name(), target); err != nil {
		// same content already stored: fine, content addressing dedups
		if _, statErr := os.Stat(target); statErr != nil {
			return models.File{}, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.File{}, err
	}

	file := models.File{
		ID:          id,
		ChannelID:   u.channelID,
		UploaderID:  u.uploaderID,
		Filename:    u.filename,
		Mime:        u.mimeType,
		Size:        u.written,
		StoragePath: target,
		Sha256:      digest,
		CreatedAt:   time.Now().UTC(),
	}
	if err := database.CreateFile(database.Conn(), &file); err != nil {
		return models.File{}, err
	}
	return file, nil
}

// Abort discards the upload.
func (u *Upload) Abort() {
	u.temp.Close()
	os.Remove(u.temp.Name())
}

// Open returns a reader for a stored file.
func (s *Storage) Open(file *models.File) (io.ReadCloser, error) {
	return os.Open(file.StoragePath)
}

// Delete tombstones the row; the blob stays until no live row references
// its digest.
func (s *Storage) Delete(id uuid.UUID) error {
	file, err := database.GetFile(database.Conn(), id)
	if err != nil {
		return err
	}
	if err := database.DeleteFile(database.Conn(), id); err != nil {
		return err
	}

	var refs int
	err = database.Conn().QueryRow("SELECT COUNT(*) FROM files WHERE sha256 = ? AND deleted_at IS NULL", file.Sha256).Scan(&refs)
	if err != nil {
		s.sugar.Error(err)
		return nil
	}
	if refs == 0 {
		if err := os.Remove(file.StoragePath); err != nil && !os.IsNotExist(err) {
			s.sugar.Error(err)
		}
	}
	return nil
}

func mimeMatchesFilename(mimeType string, filename string) bool {
	ext := filepath.Ext(filename)
	if ext == "" {
		// extensionless uploads only pass as generic binary
		return mimeType == "application/octet-stream"
	}

	known := mime.TypeByExtension(ext)
	if known == "" {
		return true
	}
	// strip parameters like charset before comparing
	if i := strings.Index(known, ";"); i >= 0 {
		known = known[:i]
	}
	return strings.EqualFold(known, mimeType) || mimeType == "application/octet-stream"
}
