// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"fmt"
)

// Mem32 is the access contract for a 32-bit MMIO window. Every load and
// store is a single 32-bit transaction: the AXI slaves behind BAR0 decode
// strictly 32-bit accesses.
type Mem32 interface {
	ReadU32(off int64) (uint32, error)
	WriteU32(off int64, v uint32) error
}

// regblk is the register window of one RTL module: 32-bit registers at
// base + 4*i. Errors are sticky; once an access fails, further accesses
// are no-ops and the first error is reported.
type regblk struct {
	mem  Mem32
	base int64
	err  error
}

func newRegblk(mem Mem32, base uint32) *regblk {
	return &regblk{mem: mem, base: int64(base)}
}

func (rb *regblk) r(i int) uint32 {
	if rb.err != nil {
		return 0
	}
	v, err := rb.mem.ReadU32(rb.base + 4*int64(i))
	if err != nil {
		rb.err = fmt.Errorf("ecd: could not read register 0x%x: %w", rb.base+4*int64(i), err)
		return 0
	}
	return v
}

func (rb *regblk) w(i int, v uint32) {
	if rb.err != nil {
		return
	}
	err := rb.mem.WriteU32(rb.base+4*int64(i), v)
	if err != nil {
		rb.err = fmt.Errorf("ecd: could not write register 0x%x: %w", rb.base+4*int64(i), err)
		return
	}
}
