// Package fatsalvage recovers deleted files from raw FAT16 and FAT32 disk
// images. The root package defines the error taxonomy and the sweep report
// types shared by the fat and mbr subpackages and the command-line tool.
package fatsalvage

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// RecoveryError is the error type returned by every component in this module.
// Each sentinel below can be matched with errors.Is even after it has been
// decorated with WithMessage or chained onto another cause with Wrap.
type RecoveryError interface {
	error
	WithMessage(message string) RecoveryError
	Wrap(err error) RecoveryError
}

type baseRecoveryError string

const rootError = baseRecoveryError("")

// ErrMalformedBootSector indicates the boot sector failed validation: a bad
// jump/boot signature or implausible geometry. Fatal for the whole volume.
var ErrMalformedBootSector = rootError.WithMessage("malformed boot sector")

// ErrMalformedPartitionTable indicates the MBR signature or partition table is
// invalid. Fatal for the whole image.
var ErrMalformedPartitionTable = rootError.WithMessage("malformed partition table")

// ErrOutOfRange indicates a FAT or directory read addressed bytes outside the
// declared region. Fatal only for that single read.
var ErrOutOfRange = rootError.WithMessage("read outside declared region")

// ErrCorruptChain indicates a cycle, an invalid cluster, or an implausibly
// long chain while tracing an active file. Fatal for that file only.
var ErrCorruptChain = rootError.WithMessage("corrupt cluster chain")

// ErrInvalidStartCluster indicates a deleted entry references an impossible
// cluster. The entry is skipped; siblings continue.
var ErrInvalidStartCluster = rootError.WithMessage("invalid start cluster")

// ErrRecursionLimitExceeded indicates deleted-directory recovery descended
// past the caller's depth limit. Only that branch is abandoned.
var ErrRecursionLimitExceeded = rootError.WithMessage("directory recursion limit exceeded")

// ErrChecksumMismatch indicates a long-name checksum disagreed with its short
// entry. Recoverable: parsing falls back to the 8.3 name.
var ErrChecksumMismatch = rootError.WithMessage("long name checksum mismatch")

// ErrNotARegularFile indicates a file-only operation was handed a directory
// entry.
var ErrNotARegularFile = rootError.WithMessage("entry is not a regular file")

// ErrCancelled indicates the caller's context was cancelled mid-traversal. No
// partially built result is returned alongside it.
var ErrCancelled = rootError.WithMessage("operation cancelled")

func (e baseRecoveryError) Error() string {
	return string(e)
}

func (e baseRecoveryError) WithMessage(message string) RecoveryError {
	return chainedRecoveryError{
		message:       message,
		originalError: e,
	}
}

func (e baseRecoveryError) Wrap(err error) RecoveryError {
	return chainedRecoveryError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

type chainedRecoveryError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e chainedRecoveryError) Error() string {
	return e.message
}

func (e chainedRecoveryError) WithMessage(message string) RecoveryError {
	return chainedRecoveryError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e chainedRecoveryError) Wrap(err error) RecoveryError {
	return chainedRecoveryError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e chainedRecoveryError) Unwrap() error {
	return e.originalError
}
