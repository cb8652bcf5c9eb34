// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago
// +build tamago

package soc

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// MMIO is the on-target register bus.
type MMIO struct{}

func (MMIO) Read(addr uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(uintptr(addr))))
}

func (MMIO) Write(addr uint32, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(uintptr(addr))), val)
}

// Wait busy-loops for the given duration, the timer interrupt might be
// masked during fuse programming.
func (MMIO) Wait(d time.Duration) {
	start := time.Now()

	for time.Since(start) < d {
	}
}
