package absnfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestInvalidFileHandleError(t *testing.T) {
	err := &InvalidFileHandleError{}
	if err.Error() != "invalid file handle" {
		t.Errorf("message = %q", err.Error())
	}
	err = &InvalidFileHandleError{Reason: "declared length mismatch"}
	if err.Error() != "invalid file handle: declared length mismatch" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestStaleFileHandleError(t *testing.T) {
	err := &StaleFileHandleError{Reason: "inode no longer indexed"}
	if err.Error() != "stale file handle: inode no longer indexed" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestNotSupportedError(t *testing.T) {
	err := &NotSupportedError{Operation: "READDIRPLUS"}
	if err.Error() != "operation 'READDIRPLUS' not supported" {
		t.Errorf("message = %q", err.Error())
	}
	err = &NotSupportedError{Operation: "SYMLINK", Reason: "backend does not support symlinks"}
	want := "operation 'SYMLINK' not supported: backend does not support symlinks"
	if err.Error() != want {
		t.Errorf("message = %q, want %q", err.Error(), want)
	}
}

func TestMapErrorTypedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint32
	}{
		{"nil", nil, NFS_OK},
		{"invalid handle", &InvalidFileHandleError{}, NFSERR_BADHANDLE},
		{"stale handle", &StaleFileHandleError{}, NFSERR_STALE},
		{"not supported", &NotSupportedError{Operation: "MKNOD"}, NFSERR_NOTSUPP},
		{"deadline exceeded", context.DeadlineExceeded, NFSERR_DELAY},
		{"timeout sentinel", ErrTimeout, NFSERR_DELAY},
		{"unknown error", errors.New("something else"), NFSERR_IO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); got != tt.want {
				t.Errorf("mapError = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMapErrorWrappedTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("during LOOKUP: %w", &StaleFileHandleError{Reason: "gone"})
	if got := mapError(wrapped); got != NFSERR_STALE {
		t.Errorf("wrapped stale handle = %d, want NFSERR_STALE", got)
	}
}

func TestMapErrorOSErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint32
	}{
		{"not exist", os.ErrNotExist, NFSERR_NOENT},
		{"permission", os.ErrPermission, NFSERR_ACCES},
		{"exist", os.ErrExist, NFSERR_EXIST},
		{"path error not exist", &os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}, NFSERR_NOENT},
		{"path error permission", &os.PathError{Op: "open", Path: "/x", Err: os.ErrPermission}, NFSERR_ACCES},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); got != tt.want {
				t.Errorf("mapError = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMapErrorErrnoStrings(t *testing.T) {
	tests := []struct {
		errno string
		want  uint32
	}{
		{"not a directory", NFSERR_NOTDIR},
		{"is a directory", NFSERR_ISDIR},
		{"directory not empty", NFSERR_NOTEMPTY},
		{"file name too long", NFSERR_NAMETOOLONG},
		{"no space left on device", NFSERR_NOSPC},
		{"read-only file system", NFSERR_ROFS},
		{"file too large", NFSERR_FBIG},
		{"invalid argument", NFSERR_INVAL},
		{"unmapped errno", NFSERR_IO},
	}
	for _, tt := range tests {
		t.Run(tt.errno, func(t *testing.T) {
			err := &os.PathError{Op: "op", Path: "/x", Err: errors.New(tt.errno)}
			if got := mapError(err); got != tt.want {
				t.Errorf("mapError(%q) = %d, want %d", tt.errno, got, tt.want)
			}
		})
	}
}

func TestCatNameErrorMapping(t *testing.T) {
	// cat_name's rejections surface as the statuses the procedures
	// return: escapes are access errors, oversize names are
	// NAMETOOLONG.
	if _, err := catName("/export", "../etc"); mapError(err) != NFSERR_ACCES {
		t.Errorf("name with '/' mapped to %d, want NFSERR_ACCES", mapError(err))
	}
	if _, err := catName("/export", ".."); mapError(err) != NFSERR_ACCES {
		t.Errorf("'..' mapped to %d, want NFSERR_ACCES", mapError(err))
	}
}
