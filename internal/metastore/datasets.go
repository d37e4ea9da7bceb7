package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dataset is an uploaded raster awaiting or having completed processing.
type Dataset struct {
	ID         string
	OwnerID    string
	Filename   string
	RawPath    string
	Kind       string
	UploadedAt time.Time
}

// Raster kinds. Categorical datasets hold class labels and are resampled
// with nearest neighbour.
const (
	KindContinuous  = "continuous"
	KindCategorical = "categorical"
)

// Stem returns the filename without its extension, used for artifact naming.
func (d Dataset) Stem() string {
	base := filepath.Base(d.Filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DatasetInput carries the fields accepted when registering a dataset.
type DatasetInput struct {
	ID         string `validate:"omitempty,max=64,excludesall=/\\ "`
	OwnerID    string `validate:"required,max=128"`
	Filename   string `validate:"required,max=255,excludesall=/\\"`
	RawPath    string `validate:"required"`
	Kind       string `validate:"omitempty,oneof=continuous categorical"`
	UploadedAt time.Time
}

// RegisterDataset validates and inserts a dataset row. A missing ID is generated.
func (s *Store) RegisterDataset(ctx context.Context, input DatasetInput) (*Dataset, error) {
	input.ID = strings.TrimSpace(input.ID)
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	input.Filename = strings.TrimSpace(input.Filename)
	input.RawPath = strings.TrimSpace(input.RawPath)
	input.Kind = strings.ToLower(strings.TrimSpace(input.Kind))
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	if input.ID == "" {
		input.ID = uuid.NewString()
	}
	if input.Kind == "" {
		input.Kind = KindContinuous
	}
	if input.UploadedAt.IsZero() {
		input.UploadedAt = time.Now().UTC()
	}

	_, err := s.Exec(ctx,
		`INSERT INTO datasets (id, owner_id, filename, raw_path, raster_kind, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		input.ID, input.OwnerID, input.Filename, input.RawPath, input.Kind, FormatTime(input.UploadedAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("dataset %q already registered: %w", input.ID, err)
		}
		return nil, fmt.Errorf("insert dataset: %w", err)
	}
	return &Dataset{
		ID:         input.ID,
		OwnerID:    input.OwnerID,
		Filename:   input.Filename,
		RawPath:    input.RawPath,
		Kind:       input.Kind,
		UploadedAt: input.UploadedAt.UTC(),
	}, nil
}

// GetDataset fetches a dataset by identifier.
func (s *Store) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	var (
		d        Dataset
		uploaded string
	)
	err := s.QueryRow(ctx,
		`SELECT id, owner_id, filename, raw_path, raster_kind, uploaded_at FROM datasets WHERE id = ?`, id,
	).Scan(&d.ID, &d.OwnerID, &d.Filename, &d.RawPath, &d.Kind, &uploaded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	d.UploadedAt = ParseTime(uploaded)
	return &d, nil
}

// ListDatasets returns datasets ordered by upload time.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.Query(ctx, `SELECT id, owner_id, filename, raw_path, raster_kind, uploaded_at FROM datasets ORDER BY uploaded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var (
			d        Dataset
			uploaded string
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.RawPath, &d.Kind, &uploaded); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		d.UploadedAt = ParseTime(uploaded)
		out = append(out, d)
	}
	return out, rows.Err()
}
