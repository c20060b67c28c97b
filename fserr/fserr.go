// Package fserr defines the error kinds returned by every layer of the
// file system. Each kind wraps a containerd/errdefs category, so callers can
// test with errors.Is(err, fserr.ErrNotFound) or errdefs.IsNotFound(err).
package fserr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrIO is a failed or short transfer on the backing store.
	ErrIO = fmt.Errorf("i/o error: %w", errdefs.ErrUnavailable)

	// ErrBlockSize is a buffer whose length is not the device block size.
	ErrBlockSize = fmt.Errorf("buffer does not match block size: %w", errdefs.ErrInvalidArgument)

	// ErrInvalidParameter is an out-of-range block, inode or offset.
	ErrInvalidParameter = fmt.Errorf("invalid parameter: %w", errdefs.ErrInvalidArgument)

	// ErrInvalidData is on-disk state that fails validation.
	ErrInvalidData = fmt.Errorf("invalid data: %w", errdefs.ErrDataLoss)

	ErrOutOfSpace     = fmt.Errorf("out of space: %w", errdefs.ErrResourceExhausted)
	ErrAlreadyExists  = fmt.Errorf("entry exists: %w", errdefs.ErrAlreadyExists)
	ErrNotFound       = fmt.Errorf("no such entry: %w", errdefs.ErrNotFound)
	ErrNotSupported   = fmt.Errorf("not supported: %w", errdefs.ErrNotImplemented)
	ErrNotDir         = fmt.Errorf("not a directory: %w", errdefs.ErrFailedPrecondition)
	ErrIsDir          = fmt.Errorf("is a directory: %w", errdefs.ErrFailedPrecondition)
	ErrNotEmpty       = fmt.Errorf("directory not empty: %w", errdefs.ErrFailedPrecondition)
	ErrDeviceLocked   = fmt.Errorf("device in use: %w", errdefs.ErrUnavailable)
	ErrBadBlockNumber = fmt.Errorf("block out of range: %w", ErrInvalidParameter)
	ErrFileTooLarge   = fmt.Errorf("file too large: %w", ErrInvalidParameter)
	ErrNameTooLong    = fmt.Errorf("name too long: %w", ErrInvalidParameter)
)

var kinds = []error{
	ErrIO,
	ErrBlockSize,
	ErrBadBlockNumber,
	ErrFileTooLarge,
	ErrNameTooLong,
	ErrInvalidParameter,
	ErrInvalidData,
	ErrOutOfSpace,
	ErrAlreadyExists,
	ErrNotFound,
	ErrNotSupported,
	ErrNotDir,
	ErrIsDir,
	ErrNotEmpty,
	ErrDeviceLocked,
}

// Kind returns the most specific fserr kind err wraps, or nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IO wraps a backing-store failure as ErrIO, keeping the cause.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
