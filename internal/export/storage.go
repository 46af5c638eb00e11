package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrObjectNotFound is returned for keys that were never written.
var ErrObjectNotFound = errors.New("export: object not found")

// Storage holds export artifacts and hands out time-limited download URLs.
type Storage interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, string, error)
	GetSignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

type object struct {
	body        []byte
	contentType string
}

type InMemoryStorage struct {
	mu     sync.RWMutex
	data   map[string]object
	signer *URLSigner
}

func NewInMemoryStorage(signer *URLSigner) *InMemoryStorage {
	return &InMemoryStorage{data: map[string]object{}, signer: signer}
}

func (s *InMemoryStorage) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = object{body: append([]byte(nil), body...), contentType: contentType}
	return nil
}

func (s *InMemoryStorage) GetObject(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[key]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), obj.body...), obj.contentType, nil
}

func (s *InMemoryStorage) GetSignedURL(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	s.mu.RLock()
	_, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	u, exp := s.signer.Sign(key, ttl)
	return u, exp, nil
}

// DirStorage keeps artifacts as files under a root directory. Content types
// are inferred from the file extension on read.
type DirStorage struct {
	root   string
	signer *URLSigner
}

func NewDirStorage(root string, signer *URLSigner) (*DirStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("export: create %s: %w", root, err)
	}
	return &DirStorage{root: root, signer: signer}, nil
}

func (s *DirStorage) PutObject(ctx context.Context, key string, body []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: mkdir for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("export: commit %s: %w", key, err)
	}
	return nil
}

func (s *DirStorage) GetObject(_ context.Context, key string) ([]byte, string, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, "", err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, "", fmt.Errorf("export: read %s: %w", key, err)
	}
	return b, contentTypeFor(key), nil
}

func (s *DirStorage) GetSignedURL(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	path, err := s.path(key)
	if err != nil {
		return "", time.Time{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	u, exp := s.signer.Sign(key, ttl)
	return u, exp, nil
}

// path rejects keys that would escape the root.
func (s *DirStorage) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("export: invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func contentTypeFor(key string) string {
	switch filepath.Ext(key) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	default:
		return "text/plain; charset=utf-8"
	}
}
