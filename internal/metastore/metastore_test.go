package metastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)

	doc := Document{
		VideoID:        "abc123",
		Title:          "Test Video",
		SourceURL:      "https://youtube.com/watch?v=abc123",
		SourcePlatform: "YouTube",
		Resolution:     "1920x1080",
		Container:      "mp4",
		FileSizeBytes:  123456,
		DownloadedAt:   time.Now().UTC().Truncate(time.Second),
		QualityTier:    "High-Quality",
		ContentType:    "video",
		Tags:           []string{"music", "live"},
	}
	require.NoError(t, store.Save(doc))

	loaded, err := store.Load("abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.VideoID, loaded.VideoID)
	assert.Equal(t, doc.Title, loaded.Title)
	assert.Equal(t, doc.Tags, loaded.Tags)
	assert.True(t, store.Exists("abc123"))
}

func TestListAllSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)

	require.NoError(t, store.Save(Document{VideoID: "good1", Title: "One"}))
	require.NoError(t, store.Save(Document{VideoID: "good2", Title: "Two"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	docs, err := store.ListAll()
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestSearchMatchesTitleAndTags(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)
	require.NoError(t, store.Save(Document{VideoID: "v1", Title: "Cooking Tutorial", Tags: []string{"food"}}))
	require.NoError(t, store.Save(Document{VideoID: "v2", Title: "Music Video", Tags: []string{"cooking-show"}}))
	require.NoError(t, store.Save(Document{VideoID: "v3", Title: "Unrelated"}))

	results, err := store.Search("cooking")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestToggleFavoriteAndLastAccessed(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)
	require.NoError(t, store.Save(Document{VideoID: "v1", Title: "X"}))

	require.NoError(t, store.ToggleFavorite("v1"))
	doc, err := store.Load("v1")
	require.NoError(t, err)
	assert.True(t, doc.Favorite)

	when := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateLastAccessed("v1", when))
	doc, err = store.Load("v1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.WatchCount)
	assert.WithinDuration(t, when, doc.LastAccessed, time.Second)
}

func TestStatsAggregates(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)
	require.NoError(t, store.Save(Document{VideoID: "v1", QualityTier: "High-Quality", FileSizeBytes: 100}))
	require.NoError(t, store.Save(Document{VideoID: "v2", QualityTier: "High-Quality", FileSizeBytes: 200}))
	require.NoError(t, store.Save(Document{VideoID: "v3", QualityTier: "Standard", FileSizeBytes: 50}))

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, int64(350), stats.TotalSizeBytes)
	assert.Equal(t, 2, stats.ByQualityTier["High-Quality"])
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)
	require.NoError(t, store.Save(Document{VideoID: "v1"}))
	require.NoError(t, store.Delete("v1"))
	require.NoError(t, store.Delete("v1"))
	assert.False(t, store.Exists("v1"))
}
