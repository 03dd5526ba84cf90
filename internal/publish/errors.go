package publish

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"

	"dataset-publisher/internal/models"
)

// Classify wraps an I/O error in a TransferError, deciding whether the
// worker may retry it. Errors that already carry a classification or a
// policy verdict pass through unchanged.
func Classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *models.TransferError
	var pv *models.PolicyViolationError
	if errors.As(err, &te) || errors.As(err, &pv) {
		return err
	}
	return &models.TransferError{Op: op, Path: path, Transient: transient(err), Err: err}
}

func transient(err error) bool {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.EINTR, syscall.EBUSY, syscall.ETIMEDOUT,
			syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	return false
}

func mismatch(op, path, reason string) error {
	return &models.TransferError{Op: op, Path: path, Err: errors.New(reason)}
}
