package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ArtifactKind identifies a derived artifact type.
type ArtifactKind string

const (
	ArtifactCOG       ArtifactKind = "cog"
	ArtifactThumbnail ArtifactKind = "thumbnail"
	ArtifactLabel     ArtifactKind = "label"
)

// DerivedArtifact records one output of a successful stage. Rows are never
// updated; a re-run inserts a newer row that supersedes the previous one.
type DerivedArtifact struct {
	ID          int64
	DatasetID   string         `validate:"required"`
	EntryID     int64          `validate:"gte=0"`
	Kind        ArtifactKind   `validate:"required,oneof=cog thumbnail label"`
	StoragePath string         `validate:"required"`
	SizeBytes   int64          `validate:"gte=0"`
	Width       int            `validate:"gte=0"`
	Height      int            `validate:"gte=0"`
	Checksum    string         `validate:"omitempty,hexadecimal"`
	Details     map[string]any `validate:"-"`
	CreatedAt   time.Time
}

const artifactColumns = "id, dataset_id, entry_id, kind, storage_path, size_bytes, width, height, checksum, details_json, created_at"

// InsertArtifact appends an artifact row and returns it with ID and timestamp set.
func (s *Store) InsertArtifact(ctx context.Context, artifact DerivedArtifact) (*DerivedArtifact, error) {
	return insertArtifact(ctx, s, s.validate.Struct, artifact)
}

// InsertArtifactTx appends an artifact row inside an open transaction.
func (t *Tx) InsertArtifact(ctx context.Context, artifact DerivedArtifact) (*DerivedArtifact, error) {
	return insertArtifact(ctx, t, t.store.validate.Struct, artifact)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

func insertArtifact(ctx context.Context, q rowQuerier, validate func(any) error, artifact DerivedArtifact) (*DerivedArtifact, error) {
	if err := validate(artifact); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	var details any
	if len(artifact.Details) > 0 {
		encoded, err := json.Marshal(artifact.Details)
		if err != nil {
			return nil, fmt.Errorf("encode artifact details: %w", err)
		}
		details = string(encoded)
	}
	var entryID any
	if artifact.EntryID > 0 {
		entryID = artifact.EntryID
	}
	err := q.QueryRow(ctx,
		`INSERT INTO derived_artifacts (dataset_id, entry_id, kind, storage_path, size_bytes, width, height, checksum, details_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		artifact.DatasetID,
		entryID,
		string(artifact.Kind),
		artifact.StoragePath,
		artifact.SizeBytes,
		nullableInt(artifact.Width),
		nullableInt(artifact.Height),
		NullableString(artifact.Checksum),
		details,
		FormatTime(artifact.CreatedAt),
	).Scan(&artifact.ID)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return &artifact, nil
}

// ListArtifacts returns every artifact recorded for a dataset, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, datasetID string) ([]DerivedArtifact, error) {
	rows, err := s.Query(ctx, `SELECT `+artifactColumns+` FROM derived_artifacts WHERE dataset_id = ? ORDER BY id`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []DerivedArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *artifact)
	}
	return out, rows.Err()
}

// ListArtifactsForEntry returns artifacts produced by a single queue entry.
func (s *Store) ListArtifactsForEntry(ctx context.Context, entryID int64) ([]DerivedArtifact, error) {
	rows, err := s.Query(ctx, `SELECT `+artifactColumns+` FROM derived_artifacts WHERE entry_id = ? ORDER BY id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list entry artifacts: %w", err)
	}
	defer rows.Close()

	var out []DerivedArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *artifact)
	}
	return out, rows.Err()
}

// LatestArtifact returns the newest artifact of kind for a dataset.
func (s *Store) LatestArtifact(ctx context.Context, datasetID string, kind ArtifactKind) (*DerivedArtifact, error) {
	row := s.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM derived_artifacts WHERE dataset_id = ? AND kind = ? ORDER BY id DESC LIMIT 1`,
		datasetID, string(kind),
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s artifact for dataset %q: %w", kind, datasetID, ErrNotFound)
	}
	return artifact, err
}

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*DerivedArtifact, error) {
	var (
		a        DerivedArtifact
		entryID  sql.NullInt64
		kind     string
		width    sql.NullInt64
		height   sql.NullInt64
		checksum sql.NullString
		details  sql.NullString
		created  string
	)
	if err := scanner.Scan(&a.ID, &a.DatasetID, &entryID, &kind, &a.StoragePath, &a.SizeBytes, &width, &height, &checksum, &details, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.EntryID = entryID.Int64
	a.Kind = ArtifactKind(kind)
	a.Width = int(width.Int64)
	a.Height = int(height.Int64)
	a.Checksum = checksum.String
	a.CreatedAt = ParseTime(created)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
			return nil, fmt.Errorf("decode artifact details: %w", err)
		}
	}
	return &a, nil
}

func nullableInt(value int) any {
	if value == 0 {
		return nil
	}
	return value
}
