package services

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies how the queue should treat a failure.
type Kind string

const (
	// KindPermanent failures go straight to dead_letter.
	KindPermanent Kind = "permanent"
	// KindTransient failures are retried with backoff.
	KindTransient Kind = "transient"
	// KindUser failures are rejected at submission and never enter the queue.
	KindUser Kind = "user"
)

type marker struct {
	name string
	kind Kind
	hint string
}

func (m *marker) Error() string { return m.name }

// ErrorKind reports the marker classification. The queue reads it through
// its ErrorClassifier interface.
func (m *marker) ErrorKind() string { return string(m.kind) }

var (
	ErrDuplicateSubmission = &marker{"duplicate submission", KindUser, "dataset already has an active queue entry"}
	ErrUnsupportedFormat   = &marker{"unsupported format", KindPermanent, "input has no detectable CRS or band structure"}
	ErrCorruptInput        = &marker{"corrupt input", KindPermanent, "input raster could not be decoded; re-upload the dataset"}
	ErrEmptyRaster         = &marker{"empty raster", KindPermanent, "raster has no valid pixels after nodata masking"}
	ErrMissingInput        = &marker{"missing input", KindPermanent, "raw upload not found; re-upload the dataset"}
	ErrConfiguration       = &marker{"configuration error", KindPermanent, "check tessera configuration"}
	ErrTransferUnreachable = &marker{"transfer unreachable", KindTransient, "check archive host reachability and credentials"}
	ErrTransferIntegrity   = &marker{"transfer integrity error", KindTransient, "remote copy did not match local artifact"}
	ErrMetadataCommit      = &marker{"metadata commit failed", KindTransient, "check metadata store connectivity"}
	ErrExternalTool        = &marker{"external tool error", KindTransient, "check GDAL installation and stage logs"}
	ErrTransient           = &marker{"transient failure", KindTransient, "will retry with backoff"}
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify returns the failure kind carried by err. Errors without a marker are
// treated as transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var m *marker
	if errors.As(err, &m) {
		return m.kind
	}
	return KindTransient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == KindPermanent
}

// Hint returns the operator hint attached to the error marker, if any.
func Hint(err error) string {
	var m *marker
	if errors.As(err, &m) {
		return m.hint
	}
	return ""
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
