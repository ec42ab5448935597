package minio

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// Scheme prefixes object URIs.
const Scheme = "s3://"

// IsObjectURI reports whether uri names an object rather than a local path.
func IsObjectURI(uri string) bool { return strings.HasPrefix(uri, Scheme) }

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	if !IsObjectURI(uri) {
		return "", "", errors.Newf(errors.ErrCodeValidation, "%q is not an %s URI", uri, Scheme)
	}
	rest := strings.TrimPrefix(uri, Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.Newf(errors.ErrCodeValidation, "%q needs both a bucket and a key", uri)
	}
	return bucket, key, nil
}

// URI formats bucket and key.
func URI(bucket, key string) string { return Scheme + bucket + "/" + key }

// ResultURI is where a run's artifact for stage is stored.
func (c *Client) ResultURI(stage, runID string) string {
	return URI(c.config.Bucket, c.config.ResultPrefix+stage+"/"+runID+".jsonl")
}

// Open streams the object at uri. A missing object yields ErrObjectMissing.
func (c *Client) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if _, err := c.api.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectMissing.WithDetail(uri)
		}
		return nil, errors.Wrapf(err, errors.ErrCodeExternalService, "stat %s", uri)
	}
	rc, err := c.api.OpenObject(ctx, bucket, key)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCodeExternalService, "get %s", uri)
	}
	return rc, nil
}

// Create returns a writer whose content is uploaded to uri on Close.
func (c *Client) Create(ctx context.Context, uri string) (io.WriteCloser, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return &objectWriter{ctx: ctx, client: c, bucket: bucket, key: key}, nil
}

type objectWriter struct {
	ctx    context.Context
	client *Client
	bucket string
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *objectWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New(errors.ErrCodeInternal, "write to closed object writer")
	}
	return w.buf.Write(p)
}

func (w *objectWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	size := int64(w.buf.Len())
	info, err := w.client.api.PutObject(w.ctx, w.bucket, w.key, bytes.NewReader(w.buf.Bytes()), size,
		minio.PutObjectOptions{ContentType: "application/x-ndjson", PartSize: w.client.config.PartSize})
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeExternalService, "put %s", URI(w.bucket, w.key))
	}
	w.client.logger.Debug("object uploaded",
		logging.String("uri", URI(w.bucket, w.key)),
		logging.Int64("size", info.Size))
	return nil
}
