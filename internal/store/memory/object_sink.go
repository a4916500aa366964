package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/placewise/blockpipe/internal/block"
)

// ObjectSink is an in-memory object store for local development and the
// migrator's tests.
type ObjectSink struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewObjectSink constructs an empty sink.
func NewObjectSink() *ObjectSink {
	return &ObjectSink{objects: make(map[string][]byte)}
}

// PutObject stores data under path and returns a mem:// URI.
func (s *ObjectSink) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// ListObjects returns the sorted keys under prefix.
func (s *ObjectSink) ListObjects(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteObject removes one object.
func (s *ObjectSink) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return block.ErrNotFound
	}
	delete(s.objects, path)
	return nil
}

// CountObjects counts the objects under prefix.
func (s *ObjectSink) CountObjects(ctx context.Context, prefix string) (int, error) {
	keys, err := s.ListObjects(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// GetObject returns a stored object's bytes.
func (s *ObjectSink) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, block.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
