// Copyright 2023 The pagetier Authors. All Rights Reserved.
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

package pagetier

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Error taxonomy: transient errors are retried within a bounded pass
// count, structural errors redirect the work to a slower but more
// general path, permanent errors surface as a per-item status, and
// fatal errors abort a whole batch.
var (
	// ErrAgain is a transient failure: lock contention or a
	// concurrent observer of a page. Retry the same pair.
	ErrAgain = errors.New("resource temporarily contended")
	// ErrBusy is a permanent per-item failure: the page cannot be
	// taken now and is not retried.
	ErrBusy = errors.New("page busy")
	// ErrDivert is a structural failure: the pair is not eligible
	// for the concurrent path and must take the sequential one.
	ErrDivert = errors.New("pair requires sequential path")
	// ErrUnsupported marks file-backed huge page exchange, which
	// has no supported path at all.
	ErrUnsupported = errors.New("exchange not supported for page")
	// ErrNoEngine means the accelerated copy configuration is not
	// usable; the caller falls back to the synchronous path.
	ErrNoEngine = errors.New("accelerated copy not available")
	// ErrNoMem is fatal for the batch: bookkeeping allocation failed.
	ErrNoMem = errors.New("out of memory")

	// ErrFault: the address does not resolve to a migratable page.
	ErrFault = errors.New("bad address")
	// ErrNoEnt: no page is present at the address.
	ErrNoEnt = errors.New("page not present")
	// ErrAccess: the page is shared and move-all was not requested.
	ErrAccess = errors.New("page shared")
	// ErrPerm: the caller may not operate on the address space.
	ErrPerm = errors.New("permission denied")
	// ErrSrch: no such address space or group.
	ErrSrch = errors.New("no such address space")
	// ErrInval: invalid flags or node masks.
	ErrInval = errors.New("invalid argument")
	// ErrInProgress: a rebalance is already running on the space.
	ErrInProgress = errors.New("rebalance already in progress")

	// Copy channel failures, each distinct so callers can tell
	// where the offloaded path gave up.
	ErrChannelReserve  = errors.New("no copy channel available")
	ErrChannelSubmit   = errors.New("copy descriptor submission rejected")
	ErrChannelComplete = errors.New("copy descriptor completion failed")
)

// statusCodes maps the taxonomy to the negative errno-style values
// reported back through user-visible status arrays.
var statusCodes = map[error]int{
	ErrAgain:           -int(unix.EAGAIN),
	ErrBusy:            -int(unix.EBUSY),
	ErrDivert:          -int(unix.ENODEV),
	ErrUnsupported:     -int(unix.EOPNOTSUPP),
	ErrNoEngine:        -int(unix.ENODEV),
	ErrNoMem:           -int(unix.ENOMEM),
	ErrFault:           -int(unix.EFAULT),
	ErrNoEnt:           -int(unix.ENOENT),
	ErrAccess:          -int(unix.EACCES),
	ErrPerm:            -int(unix.EPERM),
	ErrSrch:            -int(unix.ESRCH),
	ErrInval:           -int(unix.EINVAL),
	ErrInProgress:      -int(unix.EBUSY),
	ErrChannelReserve:  -int(unix.ENXIO),
	ErrChannelSubmit:   -int(unix.EIO),
	ErrChannelComplete: -int(unix.EREMOTEIO),
}

// statusOf converts an error to the status value visible to callers:
// 0 on success, a negative errno-style code otherwise.
func statusOf(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := statusCodes[errors.Cause(err)]; ok {
		return code
	}
	return -int(unix.EFAULT)
}

// isTransient tells whether the error should be retried.
func isTransient(err error) bool {
	return errors.Cause(err) == ErrAgain
}

// isStructural tells whether the error redirects to the sequential path.
func isStructural(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrDivert || cause == ErrUnsupported
}

// isFatal tells whether the error aborts the whole batch.
func isFatal(err error) bool {
	return errors.Cause(err) == ErrNoMem
}
