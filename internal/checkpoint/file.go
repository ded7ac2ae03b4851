package checkpoint

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fileBackend is the flat backup store: one self-describing JSON document
// per checkpoint ID. It exists so a corrupted or unavailable database never
// strands a run.
type fileBackend struct {
	dir string
}

// fileDoc is the on-disk representation. State is base64 so the document
// stays valid JSON whether or not the payload is compressed.
type fileDoc struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	EntityType       string    `json:"entity_type"`
	LastProcessedID  string    `json:"last_processed_id"`
	BatchPosition    int64     `json:"batch_position"`
	RecordsProcessed int64     `json:"records_processed"`
	RecordsRemaining int64     `json:"records_remaining"`
	State            string    `json:"state,omitempty"`
	Checksum         string    `json:"checksum"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newFileBackend(dir string) (*fileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &fileBackend{dir: dir}, nil
}

func (b *fileBackend) Name() string { return "file" }

func (b *fileBackend) Close() error { return nil }

func (b *fileBackend) path(id string) string {
	return filepath.Join(b.dir, id+".json")
}

func (b *fileBackend) write(rec *Record) error {
	doc := fileDoc{
		ID:               rec.ID,
		SessionID:        rec.SessionID,
		EntityType:       rec.EntityType,
		LastProcessedID:  rec.LastProcessedID,
		BatchPosition:    rec.BatchPosition,
		RecordsProcessed: rec.RecordsProcessed,
		RecordsRemaining: rec.RecordsRemaining,
		State:            base64.StdEncoding.EncodeToString(rec.stateBlob),
		Checksum:         rec.checksum,
		Version:          rec.Version,
		CreatedAt:        rec.CreatedAt.UTC(),
		UpdatedAt:        rec.UpdatedAt.UTC(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", rec.ID, err)
	}

	// Write-then-rename so a crash mid-write leaves the previous document
	// intact.
	tmp := b.path(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, b.path(rec.ID)); err != nil {
		return fmt.Errorf("committing checkpoint %s: %w", rec.ID, err)
	}
	return nil
}

func (b *fileBackend) Save(_ context.Context, rec *Record) error {
	return b.write(rec)
}

func (b *fileBackend) Update(_ context.Context, rec *Record, expectedVersion int64) error {
	existing, err := b.read(rec.ID)
	if err != nil {
		return err
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	return b.write(rec)
}

func (b *fileBackend) read(id string) (*Record, error) {
	data, err := os.ReadFile(b.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", id, err)
	}

	blob, err := base64.StdEncoding.DecodeString(doc.State)
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s state: %w", id, err)
	}

	return &Record{
		ID:               doc.ID,
		SessionID:        doc.SessionID,
		EntityType:       doc.EntityType,
		LastProcessedID:  doc.LastProcessedID,
		BatchPosition:    doc.BatchPosition,
		RecordsProcessed: doc.RecordsProcessed,
		RecordsRemaining: doc.RecordsRemaining,
		Version:          doc.Version,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		stateBlob:        blob,
		checksum:         doc.Checksum,
	}, nil
}

func (b *fileBackend) Load(_ context.Context, id string) (*Record, error) {
	return b.read(id)
}

func (b *fileBackend) List(_ context.Context, sessionID, entityType string) ([]*Record, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("listing backup directory: %w", err)
	}

	var out []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := b.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// A single unreadable document should not hide the rest.
			continue
		}
		if rec.SessionID != sessionID {
			continue
		}
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (b *fileBackend) Delete(_ context.Context, id string) error {
	err := os.Remove(b.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *fileBackend) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("listing backup directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := b.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			if err := b.Delete(context.Background(), rec.ID); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

func (b *fileBackend) Stats(_ context.Context) (BackendStats, error) {
	stats := BackendStats{Name: b.Name(), Available: true}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		stats.Available = false
		stats.LastError = err.Error()
		return stats, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stats.Count++
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.SizeBytes += info.Size()
		mod := info.ModTime()
		if stats.Oldest.IsZero() || mod.Before(stats.Oldest) {
			stats.Oldest = mod
		}
		if mod.After(stats.Newest) {
			stats.Newest = mod
		}
	}
	return stats, nil
}
