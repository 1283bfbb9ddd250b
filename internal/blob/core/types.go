// Package core defines the storage contract shared by the blob backends
// that hold genome content archives and staging bundles.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned when a backend lacks an optional capability,
// such as pre-signed URLs on the filesystem driver.
var ErrUnsupported = errors.New("blobstore: unsupported operation")

// Driver names a concrete backend implementation.
type Driver string

const (
	// DriverFilesystem stores blobs under a local directory root.
	DriverFilesystem Driver = "fs"
	// DriverS3 targets S3 or any MinIO-compatible endpoint.
	DriverS3 Driver = "s3"
	// DriverMemory keeps blobs in process memory, for tests.
	DriverMemory Driver = "memory"
)

// Store is the backend contract. Writes are create-only: a key can be
// written at most once, matching the immutable archive semantics of
// genome snapshots and staging bundles.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

// Info describes one stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// PutOptions carries the optional write parameters.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string // small, flat key-value pairs
}

// SignedURLOptions parameterizes PresignURL.
type SignedURLOptions struct {
	Method  string        // GET or PUT; only GET is used internally
	Expiry  time.Duration // default 15m
	Headers map[string]string
}
