// Package objectstore persists script artefacts (HTML reports, diagrams,
// raster images) and returns stable URLs. The filesystem store is the
// default backend; tests use the in-memory store.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge-ai/taskforge/core"
)

// MetadataObjectKey, when present in Put metadata, fixes the object's key
// instead of generating one.
const MetadataObjectKey = "object_key"

// FilesystemStore implements core.ObjectStore on a local directory tree.
// Each object gets a sidecar <key>.meta.json carrying content type,
// disposition and caller metadata.
type FilesystemStore struct {
	root    string
	baseURL string
	logger  core.Logger
}

// NewFilesystemStore creates a store rooted at root. Returned URLs are
// baseURL + "/" + key.
func NewFilesystemStore(root, baseURL string, logger core.Logger) (*FilesystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("object store root is required: %w", core.ErrMissingConfiguration)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/objectstore")
	}
	return &FilesystemStore{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}, nil
}

type objectMeta struct {
	ContentType string            `json:"content_type"`
	Disposition string            `json:"content_disposition"`
	Size        int               `json:"size"`
	StoredAt    time.Time         `json:"stored_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Put stores data and returns its URL.
func (s *FilesystemStore) Put(ctx context.Context, data []byte, contentType, disposition string, metadata map[string]string) (string, error) {
	key := metadata[MetadataObjectKey]
	if key == "" {
		key = "objects/" + uuid.NewString()
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}

	meta := objectMeta{
		ContentType: contentType,
		Disposition: disposition,
		Size:        len(data),
		StoredAt:    time.Now().UTC(),
		Metadata:    metadata,
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize object metadata: %w", err)
	}
	if err := os.WriteFile(target+".meta.json", raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write object metadata: %w", err)
	}

	s.logger.DebugWithContext(ctx, "Object stored", map[string]interface{}{
		"key":          key,
		"size_bytes":   len(data),
		"content_type": contentType,
	})
	return s.urlFor(key), nil
}

func (s *FilesystemStore) urlFor(key string) string {
	if s.baseURL == "" {
		return "file://" + path.Join(s.root, key)
	}
	return s.baseURL + "/" + key
}

// validateKey refuses traversal outside the root.
func validateKey(key string) error {
	clean := path.Clean("/" + key)
	if strings.Contains(key, "..") || clean == "/" {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
