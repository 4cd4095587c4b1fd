package absnfs

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// InvalidFileHandleError represents a filehandle that failed its own
// structural validity check (bad length, bad length-class byte).
type InvalidFileHandleError struct {
	Reason string
}

func (e *InvalidFileHandleError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid file handle: %s", e.Reason)
	}
	return "invalid file handle"
}

// StaleFileHandleError represents a filehandle that was structurally
// valid but no longer denotes a live object: the encoded path (or the
// backend's inode index, for the long-path case) failed to resolve.
// This is distinct from a plain "name not found" during a directory
// operation, which remains NFS3ERR_NOENT.
type StaleFileHandleError struct {
	Reason string
}

func (e *StaleFileHandleError) Error() string {
	return fmt.Sprintf("stale file handle: %s", e.Reason)
}

// NotSupportedError represents an operation this server deliberately
// does not implement.
type NotSupportedError struct {
	Operation string
	Reason    string
}

func (e *NotSupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("operation '%s' not supported: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("operation '%s' not supported", e.Operation)
}

// ErrTimeout is returned when an operation's context deadline is
// exceeded before the backend call completes.
var ErrTimeout = errors.New("operation timed out")

// mapError is the single point where a Go error becomes an nfsstat3
// wire code. Every handler funnels its backend errors through this
// function so the errno->status mapping lives in exactly one place.
func mapError(err error) uint32 {
	if err == nil {
		return NFS_OK
	}

	var invalidFH *InvalidFileHandleError
	if errors.As(err, &invalidFH) {
		return NFSERR_BADHANDLE
	}
	var staleFH *StaleFileHandleError
	if errors.As(err, &staleFH) {
		return NFSERR_STALE
	}
	var notSupported *NotSupportedError
	if errors.As(err, &notSupported) {
		return NFSERR_NOTSUPP
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return NFSERR_DELAY
	}

	switch {
	case os.IsNotExist(err):
		return NFSERR_NOENT
	case os.IsPermission(err):
		return NFSERR_ACCES
	case os.IsExist(err):
		return NFSERR_EXIST
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err.Error() {
		case "not a directory":
			return NFSERR_NOTDIR
		case "is a directory":
			return NFSERR_ISDIR
		case "directory not empty":
			return NFSERR_NOTEMPTY
		case "file name too long":
			return NFSERR_NAMETOOLONG
		case "no space left on device":
			return NFSERR_NOSPC
		case "read-only file system":
			return NFSERR_ROFS
		case "file too large":
			return NFSERR_FBIG
		case "invalid argument":
			return NFSERR_INVAL
		}
	}

	return NFSERR_IO
}
