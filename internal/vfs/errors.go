package vfs

import "errors"

// Error kinds surfaced by the VFS and its drivers. Underlying I/O errors are
// wrapped, never replaced.
var (
	// ErrNotFound means the file or directory does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported means no driver can serve the partition or operation.
	ErrUnsupported = errors.New("unsupported")
	// ErrOutOfResources means a bound (mount table, buffer) was exceeded.
	ErrOutOfResources = errors.New("out of resources")
	// ErrInvalidParameter means the caller passed something malformed.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrVolumeCorrupted means on-disk structures failed validation.
	ErrVolumeCorrupted = errors.New("volume corrupted")
)
