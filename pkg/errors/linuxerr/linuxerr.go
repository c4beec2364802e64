// Copyright 2018 The vmsim Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains the error codes surfaced by the virtual memory
// core, exported as error interface pointers. This allows for fast comparison
// and return operations comperable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"github.com/vmsim/vmsim/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comperable. The Errno method returns
// an Errno number such that the error can be compared to unix.Errno
// (e.g. EIO.Errno() == unix.EIO is true).
var (
	noError *errors.Error = nil
	EIO                   = errors.New(unix.EIO, "I/O error")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ENAMETOOLONG          = errors.New(unix.ENAMETOOLONG, "file name too long")
	ESRCH                 = errors.New(unix.ESRCH, "no such process")
)

var errorsByErrno = map[unix.Errno]*errors.Error{
	unix.EIO:          EIO,
	unix.EAGAIN:       EAGAIN,
	unix.ENOMEM:       ENOMEM,
	unix.EFAULT:       EFAULT,
	unix.EBUSY:        EBUSY,
	unix.EINVAL:       EINVAL,
	unix.ENOSPC:       ENOSPC,
	unix.ENAMETOOLONG: ENAMETOOLONG,
	unix.ESRCH:        ESRCH,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// dedicated value are reported as EIO.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorsByErrno[err]; ok {
		return e
	}
	return EIO
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}

// ErrnoOf returns the errno carried by err or any error it wraps, and false
// if there is none.
func ErrnoOf(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	var u unix.Errno
	if goerrors.As(err, &u) {
		return u, true
	}
	return 0, false
}
