package objectstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process core.ObjectStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]StoredObject
	baseURL string
}

// StoredObject is one stored blob with its metadata.
type StoredObject struct {
	Data        []byte
	ContentType string
	Disposition string
	Metadata    map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]StoredObject),
		baseURL: "https://objects.test",
	}
}

// Put stores data under the metadata-supplied key or a generated one.
func (s *MemoryStore) Put(_ context.Context, data []byte, contentType, disposition string, metadata map[string]string) (string, error) {
	key := metadata[MetadataObjectKey]
	if key == "" {
		key = "objects/" + uuid.NewString()
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[key] = StoredObject{
		Data:        cp,
		ContentType: contentType,
		Disposition: disposition,
		Metadata:    metadata,
	}
	s.mu.Unlock()
	return s.baseURL + "/" + key, nil
}

// Get returns a stored object by key.
func (s *MemoryStore) Get(key string) (StoredObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys lists stored object keys.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
