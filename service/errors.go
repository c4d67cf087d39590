package service

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"syscall"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

type errFatalIf interface{ Fatal() bool }
type errFatal struct{ error }

func (t errFatal) Fatal() bool    { return true }
func (t *errFatal) Unwrap() error { return t.error }
func MakeFatal(err error) error   { return &errFatal{err} }

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Fatal inspects the error and returns whether it's a fatal error
func Fatal(err error) bool {
	var tmp errFatalIf
	if errors.As(err, &tmp) {
		return tmp.Fatal()
	}
	return false
}

// MergeErrors, appending texts
// if priorityToErr is true, priority to the fatal error then to the temporary
// else, priority to no error, then to the temporary and finally to the fatal error.
func MergeErrors(priorityToError bool, err error, newErrs ...error) error {
	if len(newErrs) == 0 {
		return err
	}
	newErr := newErrs[0]

	if newErr == nil {
		if !priorityToError {
			return nil
		}
	} else if err == nil {
		err = newErr
	} else if priorityToError != Temporary(err) {
		err = fmt.Errorf("%w\n %v", err, newErr)
	} else {
		err = fmt.Errorf("%w\n %v", newErr, err)
	}
	return MergeErrors(priorityToError, err, newErrs[1:]...)
}

// ErrDecode is returned when a raster cannot be opened or decoded
// The file is skipped, the scan goes on.
type ErrDecode struct {
	Path string
	Err  error
}

func (e ErrDecode) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrProjection is returned when the corners of a raster cannot be projected, or give a degenerated footprint
type ErrProjection struct {
	Path string
	Err  error
}

func (e ErrProjection) Error() string {
	return fmt.Sprintf("projection %s: %v", e.Path, e.Err)
}

func (e ErrProjection) Unwrap() error { return e.Err }

// ErrManifestIO is returned when a directory manifest cannot be read or written
// On read, the directory is considered as unscanned.
type ErrManifestIO struct {
	Dir string
	Err error
}

func (e ErrManifestIO) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Dir, e.Err)
}

func (e ErrManifestIO) Unwrap() error { return e.Err }

// ErrStorageTransaction is returned when the catalog store fails during a build
// The whole transaction is rolled back.
type ErrStorageTransaction struct {
	Op  string
	Err error
}

func (e ErrStorageTransaction) Error() string {
	return fmt.Sprintf("storage transaction failed (%s): %v", e.Op, e.Err)
}

func (e ErrStorageTransaction) Unwrap() error { return e.Err }
func (e ErrStorageTransaction) Fatal() bool   { return true }
