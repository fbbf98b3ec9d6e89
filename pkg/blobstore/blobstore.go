// Package blobstore stores result attachments by opaque key. The policy
// layer only needs store/get/delete; whether the bytes land on local
// disk or a cloud bucket is this package's concern alone.
package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBlobNotFound = errors.New("blob not found")

type Store interface {
	// Put persists data and returns the key to retrieve it by.
	Put(ctx context.Context, filename string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DiskStore keeps blobs under a root directory, sharded by year/month
// the way the result archive has always been laid out.
type DiskStore struct {
	root    string
	nowFunc func() time.Time
}

func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, errors.New("blob store root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{root: root, nowFunc: time.Now}, nil
}

func (s *DiskStore) Put(ctx context.Context, filename string, data []byte) (string, error) {
	now := s.nowFunc().UTC()
	ext := filepath.Ext(filename)
	key := filepath.Join(now.Format("2006"), now.Format("01"), uuid.New().String()+ext)

	path := filepath.Join(s.root, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return filepath.ToSlash(key), nil
}

func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	return data, err
}

func (s *DiskStore) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrBlobNotFound
	}
	return err
}

// resolve rejects keys that escape the root directory.
func (s *DiskStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", ErrBlobNotFound
	}
	return filepath.Join(s.root, clean), nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, filename string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uuid.New().String() + filepath.Ext(filename)
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[key] = buf
	return key, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return data, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
