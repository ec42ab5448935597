package dataset

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/internal/infrastructure/storage/minio"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
	"github.com/turtacn/nl2sql-engine/pkg/types/nl2sql"
)

// ObjectStore opens and creates objects by URI.
type ObjectStore interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	Create(ctx context.Context, uri string) (io.WriteCloser, error)
}

// Files resolves local paths and s3:// URIs.
type Files struct {
	objects ObjectStore
}

// NewFiles creates a resolver. A nil store rejects object URIs.
func NewFiles(objects ObjectStore) *Files {
	return &Files{objects: objects}
}

// Open opens uri for reading.
func (f *Files) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if minio.IsObjectURI(uri) {
		if f.objects == nil {
			return nil, errors.Newf(errors.ErrCodeValidation, "%s needs object storage, none is configured", uri)
		}
		return f.objects.Open(ctx, uri)
	}
	file, err := os.Open(uri)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.ErrCodeNotFound, "open %s", uri)
		}
		return nil, errors.Wrapf(err, errors.ErrCodeInternal, "open %s", uri)
	}
	return file, nil
}

// Create opens uri for writing, creating parent directories of local paths.
func (f *Files) Create(ctx context.Context, uri string) (io.WriteCloser, error) {
	if minio.IsObjectURI(uri) {
		if f.objects == nil {
			return nil, errors.Newf(errors.ErrCodeValidation, "%s needs object storage, none is configured", uri)
		}
		return f.objects.Create(ctx, uri)
	}
	if dir := filepath.Dir(uri); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeInternal, "mkdir %s", dir)
		}
	}
	file, err := os.Create(uri)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeInternal, "create %s", uri)
	}
	return file, nil
}

// ReadFile opens uri and decodes it with read.
func ReadFile[T any](ctx context.Context, f *Files, uri string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	rc, err := f.Open(ctx, uri)
	if err != nil {
		return zero, err
	}
	defer rc.Close()
	v, err := read(rc)
	if err != nil {
		return zero, errors.Wrapf(err, errors.CodeUnknown, "read %s", uri)
	}
	return v, nil
}

// WriteFile creates uri and fills it with write. The close error counts, as
// object uploads happen on close.
func (f *Files) WriteFile(ctx context.Context, uri string, write func(io.Writer) error) (err error) {
	wc, err := f.Create(ctx, uri)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := wc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := write(wc); err != nil {
		return errors.Wrapf(err, errors.CodeUnknown, "write %s", uri)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Result sink
// ---------------------------------------------------------------------------

// ArtifactSink stores every prediction batch as a JSON-lines artifact.
type ArtifactSink struct {
	files  *Files
	uri    func(stage, runID string) string
	logger logging.Logger
}

// NewArtifactSink creates a sink writing to uri(stage, runID).
func NewArtifactSink(files *Files, uri func(stage, runID string) string, log logging.Logger) *ArtifactSink {
	return &ArtifactSink{files: files, uri: uri, logger: logging.OrNop(log)}
}

// Name implements the result sink contract.
func (s *ArtifactSink) Name() string { return "artifact" }

// WriteBatch implements the result sink contract.
func (s *ArtifactSink) WriteBatch(ctx context.Context, batch *nl2sql.PredictionBatch) error {
	uri := s.uri(batch.Stage, batch.RunID)
	if err := s.files.WriteFile(ctx, uri, func(w io.Writer) error {
		return WriteRecords(w, batch.Records)
	}); err != nil {
		return err
	}
	s.logger.Info("artifact written", logging.String("uri", uri), logging.Count("records", len(batch.Records)))
	return nil
}
