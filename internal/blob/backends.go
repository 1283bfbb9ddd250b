package blob

import (
	"context"

	infrafs "icdev/internal/infra/blob/fs"
	inframem "icdev/internal/infra/blob/memory"
	infras3 "icdev/internal/infra/blob/s3"
)

// NewFilesystem returns a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) { return infrafs.New(root) }

// NewMemory returns an in-memory Store for tests.
func NewMemory() Store { return inframem.New() }

// S3Config holds construction parameters for the S3 backend.
type S3Config = infras3.Config

// NewS3 constructs an S3-backed Store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infras3.New(ctx, cfg)
}

// OpenFromEnv constructs an S3 store using environment variables.
func OpenFromEnv(ctx context.Context) (Store, error) {
	return infras3.OpenFromEnv(ctx)
}
