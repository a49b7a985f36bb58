package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// Artifacts binds an object store to one task's execution and applies the
// artefact naming conventions: reports/<iso>_<name>, diagrams/<iso>_<name>,
// images/<iso>_<name>. It satisfies the sandbox's ArtifactStore contract.
type Artifacts struct {
	store      core.ObjectStore
	taskID     string
	templateID string
	uploadedBy string

	// now is swappable for deterministic test names.
	now func() time.Time
}

// NewArtifacts creates the artefact saver for one task.
func NewArtifacts(store core.ObjectStore, taskID, templateID, uploadedBy string) *Artifacts {
	return &Artifacts{
		store:      store,
		taskID:     taskID,
		templateID: templateID,
		uploadedBy: uploadedBy,
		now:        time.Now,
	}
}

// SaveReport stores an HTML report.
func (a *Artifacts) SaveReport(ctx context.Context, filename string, html []byte) (string, error) {
	return a.save(ctx, "reports", ensureExt(filename, ".html"), html, "text/html")
}

// SaveDiagram stores a draw.io diagram.
func (a *Artifacts) SaveDiagram(ctx context.Context, filename string, xml []byte) (string, error) {
	return a.save(ctx, "diagrams", ensureExt(filename, ".drawio"), xml, "application/xml")
}

// SaveImage stores a PNG image.
func (a *Artifacts) SaveImage(ctx context.Context, filename string, png []byte) (string, error) {
	return a.save(ctx, "images", ensureExt(filename, ".png"), png, "image/png")
}

func (a *Artifacts) save(ctx context.Context, prefix, filename string, data []byte, contentType string) (string, error) {
	if a.store == nil {
		return "", fmt.Errorf("object store not configured: %w", core.ErrMissingConfiguration)
	}
	filename = sanitizeFilename(filename)
	if filename == "" {
		return "", fmt.Errorf("artifact filename is required")
	}

	stamp := a.now().UTC().Format("2006-01-02T15-04-05Z")
	key := fmt.Sprintf("%s/%s_%s", prefix, stamp, filename)

	metadata := map[string]string{
		MetadataObjectKey:   key,
		"uploaded_by":       a.uploadedBy,
		"upload_time":       a.now().UTC().Format(time.RFC3339),
		"file_type":         contentType,
		"original_filename": filename,
	}
	if a.taskID != "" {
		metadata["task_id"] = a.taskID
	}
	if a.templateID != "" {
		metadata["template_id"] = a.templateID
	}

	disposition := fmt.Sprintf("attachment; filename=%s", filename)
	return a.store.Put(ctx, data, contentType, disposition, metadata)
}

func ensureExt(filename, ext string) string {
	if strings.HasSuffix(strings.ToLower(filename), ext) {
		return filename
	}
	return filename + ext
}

func sanitizeFilename(filename string) string {
	filename = strings.TrimSpace(filename)
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "..", "_")
	return replacer.Replace(filename)
}
