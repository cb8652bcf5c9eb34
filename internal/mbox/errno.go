// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mbox

import (
	"errors"
	"fmt"

	"github.com/f-secure-foundry/wtmi-trust/internal/ebg"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecdsa521"
	"github.com/f-secure-foundry/wtmi-trust/internal/ecp"
	"github.com/f-secure-foundry/wtmi-trust/internal/efuse"
	"github.com/f-secure-foundry/wtmi-trust/internal/provision"
	"github.com/f-secure-foundry/wtmi-trust/internal/zmodp"
)

// errno values reported in FAIL status words
const (
	EIO        = 5
	EACCES     = 13
	EINVAL     = 22
	EDOM       = 33
	ENOSYS     = 38
	ENODATA    = 61
	EOPNOTSUPP = 95
	ETIMEDOUT  = 110
)

// Error represents an errno value returned by a handler.
type Error uint32

func (e Error) Error() string {
	return fmt.Sprintf("errno %d", uint32(e))
}

var errnos = []struct {
	err   error
	errno uint32
}{
	{efuse.ErrInvalidRow, EINVAL},
	{efuse.ErrAccessDenied, EACCES},
	{efuse.ErrUncorrectableECC, EIO},
	{efuse.ErrIO, EIO},
	{efuse.ErrTimeout, ETIMEDOUT},
	{efuse.ErrNotPrimed, ENODATA},
	{zmodp.ErrInvalidArgument, EINVAL},
	{zmodp.ErrTimeout, ETIMEDOUT},
	{ecp.ErrInvalidPoint, EINVAL},
	{ecp.ErrTimeout, ETIMEDOUT},
	{ecdsa521.ErrNoKey, ENODATA},
	{ecdsa521.ErrMessage, EDOM},
	{ecdsa521.ErrEntropy, EIO},
	{ebg.ErrShortRead, EIO},
	{provision.ErrNotProvisioned, ENODATA},
}

// Errno returns the errno value describing an error, EIO is returned for
// errors without a specific mapping.
func Errno(err error) uint32 {
	var e Error

	if errors.As(err, &e) {
		return uint32(e)
	}

	for _, m := range errnos {
		if errors.Is(err, m.err) {
			return m.errno
		}
	}

	return EIO
}
