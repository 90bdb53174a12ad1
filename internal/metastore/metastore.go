// Package metastore implements the JSON metadata sidecar store (C7): one
// pretty-printed, fsynced JSON document per video under a hidden
// ".metadata" directory.
package metastore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrel-dl/kestrel/internal/kerrors"
)

// Document is one video's metadata sidecar. Immutable fields are set once at
// save time; the mutable fields (Favorite, WatchCount, LastAccessed, Tags)
// may be updated afterward under the
// single-writer assumption (the queue manager is the only writer per task).
type Document struct {
	VideoID        string    `json:"video_id"`
	Title          string    `json:"title"`
	SourceURL      string    `json:"source_url"`
	SourcePlatform string    `json:"source_platform"`
	Resolution     string    `json:"resolution"`
	Container      string    `json:"container"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
	DownloadedAt   time.Time `json:"downloaded_at"`
	QualityTier    string    `json:"quality_tier"`
	ContentType    string    `json:"content_type"`

	Favorite       bool      `json:"favorite"`
	WatchCount     int       `json:"watch_count"`
	LastAccessed   time.Time `json:"last_accessed,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
}

// Store is the single JSON-sidecar-per-video persistence layer.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New builds a Store rooted at the ".metadata" directory under the library
// base dir.
func New(metadataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: metadataDir, logger: logger}
}

func (s *Store) path(videoID string) string {
	return filepath.Join(s.dir, videoID+".json")
}

// Save pretty-prints doc and fsyncs it to disk.
func (s *Store) Save(doc Document) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create metadata dir: %v", kerrors.ErrIO, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", kerrors.ErrParse, err)
	}
	f, err := os.Create(s.path(doc.VideoID))
	if err != nil {
		return fmt.Errorf("%w: create metadata file: %v", kerrors.ErrIO, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: write metadata file: %v", kerrors.ErrIO, err)
	}
	return f.Sync()
}

// Load reads one sidecar by video id.
func (s *Store) Load(videoID string) (Document, error) {
	data, err := os.ReadFile(s.path(videoID))
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, fmt.Errorf("%w: metadata for %s not found", kerrors.ErrIO, videoID)
		}
		return Document{}, fmt.Errorf("%w: read metadata: %v", kerrors.ErrIO, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: parse metadata: %v", kerrors.ErrParse, err)
	}
	return doc, nil
}

// Update applies fn to the current document and saves the result.
func (s *Store) Update(videoID string, fn func(*Document)) error {
	doc, err := s.Load(videoID)
	if err != nil {
		return err
	}
	fn(&doc)
	return s.Save(doc)
}

// Delete removes a sidecar; it is not an error if it is already absent.
func (s *Store) Delete(videoID string) error {
	if err := os.Remove(s.path(videoID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete metadata: %v", kerrors.ErrIO, err)
	}
	return nil
}

// Exists reports whether a sidecar exists for videoID.
func (s *Store) Exists(videoID string) bool {
	_, err := os.Stat(s.path(videoID))
	return err == nil
}

// ListAll returns every well-formed sidecar; malformed files are skipped
// (logged) rather than failing the call.
func (s *Store) ListAll() ([]Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read metadata dir: %v", kerrors.ErrIO, err)
	}
	var docs []Document
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable metadata file", "file", e.Name(), "error", err)
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			s.logger.Warn("skipping malformed metadata file", "file", e.Name(), "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Search returns every well-formed document whose title or tags contain
// query, case-insensitively.
func (s *Store) Search(query string) ([]Document, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []Document
	for _, d := range all {
		if strings.Contains(strings.ToLower(d.Title), q) {
			out = append(out, d)
			continue
		}
		for _, tag := range d.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

// ToggleFavorite flips the favorite flag.
func (s *Store) ToggleFavorite(videoID string) error {
	return s.Update(videoID, func(d *Document) { d.Favorite = !d.Favorite })
}

// UpdateLastAccessed bumps last-accessed time and watch count.
func (s *Store) UpdateLastAccessed(videoID string, when time.Time) error {
	return s.Update(videoID, func(d *Document) {
		d.LastAccessed = when
		d.WatchCount++
	})
}

// Stats aggregates count, total size, and per-tier counts across all
// well-formed sidecars.
type Stats struct {
	Count          int
	TotalSizeBytes int64
	ByQualityTier  map[string]int
}

// Stats computes aggregate library statistics.
func (s *Store) Stats() (Stats, error) {
	all, err := s.ListAll()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByQualityTier: map[string]int{}}
	for _, d := range all {
		st.Count++
		st.TotalSizeBytes += d.FileSizeBytes
		st.ByQualityTier[d.QualityTier]++
	}
	return st, nil
}
