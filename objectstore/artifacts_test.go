package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
}

func TestSaveReportNamingAndMetadata(t *testing.T) {
	store := NewMemoryStore()
	arts := NewArtifacts(store, "task_1700000000000_demo", "revenue_report", "executor")
	arts.now = fixedClock

	url, err := arts.SaveReport(context.Background(), "revenue.html", []byte("<html></html>"))
	require.NoError(t, err)
	assert.Equal(t, "https://objects.test/reports/2026-03-15T09-30-00Z_revenue.html", url)

	obj, ok := store.Get("reports/2026-03-15T09-30-00Z_revenue.html")
	require.True(t, ok)
	assert.Equal(t, "text/html", obj.ContentType)
	assert.Equal(t, "attachment; filename=revenue.html", obj.Disposition)
	assert.Equal(t, "task_1700000000000_demo", obj.Metadata["task_id"])
	assert.Equal(t, "revenue_report", obj.Metadata["template_id"])
	assert.Equal(t, "executor", obj.Metadata["uploaded_by"])
	assert.NotEmpty(t, obj.Metadata["upload_time"])
}

func TestSaveDiagramAddsExtension(t *testing.T) {
	store := NewMemoryStore()
	arts := NewArtifacts(store, "t", "tmpl", "executor")
	arts.now = fixedClock

	url, err := arts.SaveDiagram(context.Background(), "pipeline", []byte("<mxfile/>"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "pipeline.drawio"))
	assert.Contains(t, url, "diagrams/")
}

func TestSaveImageSanitizesFilename(t *testing.T) {
	store := NewMemoryStore()
	arts := NewArtifacts(store, "t", "tmpl", "executor")
	arts.now = fixedClock

	url, err := arts.SaveImage(context.Background(), "../sneaky chart.png", []byte{0x89, 0x50})
	require.NoError(t, err)
	assert.NotContains(t, url, "..")
	assert.Contains(t, url, "images/")
	assert.Contains(t, url, "sneaky_chart.png")
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root, "https://cdn.example", nil)
	require.NoError(t, err)

	url, err := store.Put(context.Background(), []byte("payload"), "text/plain", "attachment; filename=x.txt", map[string]string{
		MetadataObjectKey: "reports/x.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/reports/x.txt", url)

	data, err := os.ReadFile(filepath.Join(root, "reports", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	meta, err := os.ReadFile(filepath.Join(root, "reports", "x.txt.meta.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), "text/plain")
}

func TestFilesystemStoreRejectsTraversal(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir(), "", nil)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), []byte("x"), "text/plain", "", map[string]string{
		MetadataObjectKey: "../escape.txt",
	})
	assert.Error(t, err)
}

func TestFilesystemStoreGeneratesKey(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir(), "https://cdn.example", nil)
	require.NoError(t, err)

	url, err := store.Put(context.Background(), []byte("x"), "text/plain", "", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example/objects/"))
}
