// Package blob stores uploaded checkup images and biopsy documents.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DriverMemory = "memory"
	DriverS3     = "s3"

	defaultPresignExpiry = 15 * time.Minute
)

var (
	// ErrNotFound is returned for unknown keys.
	ErrNotFound = errors.New("blob not found")
	// ErrExists is returned when Put targets an existing key.
	ErrExists = errors.New("blob already exists")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Info describes a stored object.
type Info struct {
	Key         string
	Size        int64
	ContentType string
}

// Store is a single-bucket object store. Put is create-only.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ImageUploadKey builds the object key for an uploaded checkup image.
func ImageUploadKey(uploadID string) string {
	return "images/" + uploadID
}

// BiopsyDocumentKey builds the object key for a biopsy report.
func BiopsyDocumentKey(subject string, documentID string) string {
	return fmt.Sprintf("biopsies/%s/%s", strings.ReplaceAll(subject, ":", "/"), documentID)
}

// PresignExpiry returns expiry or the default when expiry is not positive.
func PresignExpiry(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		return defaultPresignExpiry
	}
	return expiry
}

type memoryObject struct {
	info Info
	data []byte
}

// Memory keeps objects in process memory.
type Memory struct {
	mutex   sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

// NewMemory returns an empty Memory store. Presigned URLs are rooted at baseURL.
func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string]memoryObject), baseURL: strings.TrimRight(baseURL, "/")}
}

var _ Store = (*Memory)(nil)

func (memory *Memory) Put(_ context.Context, key string, body io.Reader, contentType string) (Info, error) {
	if strings.TrimSpace(key) == "" {
		return Info{}, ErrInvalidKey
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return Info{}, fmt.Errorf("read blob %s: %w", key, err)
	}
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	if _, exists := memory.objects[key]; exists {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, key)
	}
	info := Info{Key: key, Size: int64(len(data)), ContentType: contentType}
	memory.objects[key] = memoryObject{info: info, data: data}
	return info, nil
}

func (memory *Memory) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	memory.mutex.RLock()
	object, ok := memory.objects[key]
	memory.mutex.RUnlock()
	if !ok {
		return Info{}, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return object.info, io.NopCloser(bytes.NewReader(bytes.Clone(object.data))), nil
}

func (memory *Memory) Delete(_ context.Context, key string) error {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()
	delete(memory.objects, key)
	return nil
}

func (memory *Memory) PresignURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	memory.mutex.RLock()
	_, ok := memory.objects[key]
	memory.mutex.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Sprintf("%s/%s?expires=%d", memory.baseURL, key, int64(PresignExpiry(expiry).Seconds())), nil
}

// Keys lists stored keys in order.
func (memory *Memory) Keys() []string {
	memory.mutex.RLock()
	defer memory.mutex.RUnlock()
	keys := make([]string, 0, len(memory.objects))
	for key := range memory.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
