// Package audit exports version histories to Parquet for offline review.
// Every version a record has ever had, including invalidated and
// rejected-on-arrival ones, lands in a columnar file an analyst can query
// without touching the live store.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/soundprediction/chronograph/pkg/types"
)

// Writer writes history snapshots under baseDir, one subdirectory per
// collection and one file per export call.
type Writer struct {
	baseDir string
}

// NewWriter ensures the collection subdirectories exist.
func NewWriter(baseDir string) (*Writer, error) {
	for _, d := range []string{"entities", "relationships"} {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return &Writer{baseDir: baseDir}, nil
}

// entityRow is the Parquet schema for one entity version. Attributes and
// merge history are flattened to JSON string columns.
type entityRow struct {
	ID           string     `parquet:"id"`
	Version      int32      `parquet:"version"`
	Name         string     `parquet:"name"`
	Aliases      []string   `parquet:"aliases"`
	GroupID      string     `parquet:"group_id"`
	CreatedAt    *time.Time `parquet:"created_at"`
	ValidAt      *time.Time `parquet:"valid_at"`
	InvalidAt    *time.Time `parquet:"invalid_at"`
	MergedInto   string     `parquet:"merged_into"`
	Attributes   string     `parquet:"attributes"`    // JSON
	MergeHistory string     `parquet:"merge_history"` // JSON
	Embedding    []float32  `parquet:"embedding"`
}

// relationshipRow is the Parquet schema for one relationship version.
type relationshipRow struct {
	ID            string     `parquet:"id"`
	Version       int32      `parquet:"version"`
	FromID        string     `parquet:"from_id"`
	ToID          string     `parquet:"to_id"`
	Type          string     `parquet:"type"`
	GroupID       string     `parquet:"group_id"`
	Confidence    float64    `parquet:"confidence"`
	Provenance    string     `parquet:"provenance"`
	CreatedAt     *time.Time `parquet:"created_at"`
	ValidAt       *time.Time `parquet:"valid_at"`
	InvalidAt     *time.Time `parquet:"invalid_at"`
	InvalidatedBy string     `parquet:"invalidated_by"`
	NeedsReview   bool       `parquet:"needs_review"`
	Rejected      bool       `parquet:"rejected"`
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// WriteEntityHistory writes the version chain of one entity.
func (w *Writer) WriteEntityHistory(versions []*types.Entity) (string, error) {
	if len(versions) == 0 {
		return "", nil
	}

	rows := make([]entityRow, 0, len(versions))
	for i, v := range versions {
		attrs, err := json.Marshal(v.Attributes)
		if err != nil {
			return "", fmt.Errorf("failed to marshal attributes for %s: %w", v.ID, err)
		}
		merges, err := json.Marshal(v.MergeHistory)
		if err != nil {
			return "", fmt.Errorf("failed to marshal merge history for %s: %w", v.ID, err)
		}
		rows = append(rows, entityRow{
			ID:           v.ID,
			Version:      int32(i),
			Name:         v.Name,
			Aliases:      v.Aliases,
			GroupID:      v.GroupID,
			CreatedAt:    nonZero(v.CreatedAt),
			ValidAt:      nonZero(v.ValidAt),
			InvalidAt:    v.InvalidAt,
			MergedInto:   v.MergedInto,
			Attributes:   string(attrs),
			MergeHistory: string(merges),
			Embedding:    v.Embedding,
		})
	}

	filename := fmt.Sprintf("entity_%s_%d.parquet", versions[0].ID, time.Now().UnixNano())
	path := filepath.Join(w.baseDir, "entities", filename)
	if err := parquet.WriteFile(path, rows); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// WriteRelationshipHistory writes the version chain of one relationship.
func (w *Writer) WriteRelationshipHistory(versions []*types.Relationship) (string, error) {
	if len(versions) == 0 {
		return "", nil
	}

	rows := make([]relationshipRow, 0, len(versions))
	for i, v := range versions {
		rows = append(rows, relationshipRow{
			ID:            v.ID,
			Version:       int32(i),
			FromID:        v.FromID,
			ToID:          v.ToID,
			Type:          v.Type,
			GroupID:       v.GroupID,
			Confidence:    v.Confidence,
			Provenance:    v.Provenance,
			CreatedAt:     nonZero(v.CreatedAt),
			ValidAt:       nonZero(v.ValidAt),
			InvalidAt:     v.InvalidAt,
			InvalidatedBy: v.InvalidatedBy,
			NeedsReview:   v.NeedsReview,
			Rejected:      v.Rejected(),
		})
	}

	filename := fmt.Sprintf("relationship_%s_%d.parquet", versions[0].ID, time.Now().UnixNano())
	path := filepath.Join(w.baseDir, "relationships", filename)
	if err := parquet.WriteFile(path, rows); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
