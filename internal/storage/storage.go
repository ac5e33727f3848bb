package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// ErrObjectNotFound is returned by Get when the object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the narrow object storage surface the coordinator needs.
type ObjectStore interface {
	// Exists reports whether an object is present. A missing object is not an error.
	Exists(ctx context.Context, loc URI) (bool, error)

	// Get opens an object for reading. The caller closes the reader.
	Get(ctx context.Context, loc URI) (io.ReadCloser, error)

	// Put writes an object, replacing any existing content.
	Put(ctx context.Context, loc URI, body io.Reader, contentType string) error
}

// MemoryStore is an in-process ObjectStore used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Exists(_ context.Context, loc URI) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[loc.String()]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, loc URI) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[loc.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", loc, ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Put(_ context.Context, loc URI, body io.Reader, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", loc, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[loc.String()] = data
	return nil
}

// PutString is a test convenience for seeding objects.
func (m *MemoryStore) PutString(uri, content string) {
	loc, err := ParseURI(uri)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[loc.String()] = []byte(content)
}

// Keys lists stored locations with the given s3:// prefix, sorted.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
