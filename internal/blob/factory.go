package blob

import (
	"context"
	"fmt"
	"os"
)

// Options selects and parameterizes a blob backend.
type Options struct {
	Driver Driver
	FSRoot string // filesystem driver only
}

// Open constructs the Store described by opts. An empty driver falls back
// to the filesystem backend so a bare deployment works without any blob
// configuration. The s3 driver reads its credentials and bucket from the
// environment (see the s3 backend for the variable names).
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// OpenEnv reads the driver selection itself from ICDEV_BLOB_DRIVER and
// ICDEV_BLOB_FS_ROOT, for tooling that runs without a config file.
func OpenEnv(ctx context.Context) (Store, error) {
	return Open(ctx, Options{
		Driver: Driver(os.Getenv("ICDEV_BLOB_DRIVER")),
		FSRoot: os.Getenv("ICDEV_BLOB_FS_ROOT"),
	})
}
