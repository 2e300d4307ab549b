package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/utils"
)

// extensions by content type; everything else falls back to .bin
var extensionByContentType = map[string]string{
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// LocalStorage keeps objects on the local filesystem, sharded by key
// prefix. Signed URLs point at the service's own /media route, which
// verifies the signature before serving the file.
type LocalStorage struct {
	root       string
	baseURL    string
	signSecret string
}

// NewLocalStorage creates a LocalStorage rooted at cfg.Root
func NewLocalStorage(cfg config.StorageConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{
		root:       cfg.Root,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		signSecret: cfg.SignSecret,
	}, nil
}

// Store persists the bytes and returns the opaque key they live under
func (s *LocalStorage) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	ext := extensionByContentType[contentType]
	if ext == "" {
		ext = ".bin"
	}

	id := uuid.New().String()
	key := fmt.Sprintf("%s/%s%s", id[:2], id, ext)

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}

	return key, nil
}

// Fetch returns the bytes stored under key
func (s *LocalStorage) Fetch(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the bytes stored under key
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a time-limited URL served by the /media route
func (s *LocalStorage) SignedURL(key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}

	expires := time.Now().Add(ttl).Unix()
	sig := utils.SignHMACHex(signingPayload(key, expires), s.signSecret)

	return fmt.Sprintf("%s/media/%s?expires=%d&sig=%s", s.baseURL, url.PathEscape(key), expires, sig), nil
}

// VerifySignature checks the expiry and signature produced by SignedURL.
// The media handler calls this before serving bytes.
func (s *LocalStorage) VerifySignature(key, expiresStr, sig string) bool {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expires {
		return false
	}
	return utils.VerifyHMACHex(signingPayload(key, expires), sig, s.signSecret)
}

// resolve maps a key to a filesystem path, refusing anything that would
// escape the storage root.
func (s *LocalStorage) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func signingPayload(key string, expires int64) string {
	return fmt.Sprintf("%s:%d", key, expires)
}
