// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ecd drives the ECD-Master data-acquisition card: PCIe bring-up,
// typed register access to the RTL modules behind BAR0, bitstream loading
// through an external JTAG programmer, and dispatch of UIO interrupts to
// user handlers.
package ecd // import "github.com/ecd-daq/ecdm/ecd"

import "errors"

// MaxIRQs is the width of the FPGA's pending-interrupt bitmap.
const MaxIRQs = 32

// BlockSize is the DMA transfer granularity. Ping-pong buffer addresses
// must be aligned to it and buffer sizes are expressed in these units.
const BlockSize = 2048

var (
	ErrPermission    = errors.New("ecd: operation requires root")
	ErrInvalidConfig = errors.New("ecd: invalid configuration")
	ErrInvalidState  = errors.New("ecd: lifecycle operation out of order")
	ErrLinkDown      = errors.New("ecd: QSFP link down")
	ErrExternalTool  = errors.New("ecd: JTAG programmer failed")
)

// Handler receives dispatched device interrupts. OnInterrupt runs on the
// dispatcher goroutine, once per pending source in ascending source order;
// count is the per-source invocation counter, starting at 1. Handlers may
// drive any register operation but must not call back into the proxy
// lifecycle.
type Handler interface {
	OnInterrupt(irq int, count uint64)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(irq int, count uint64)

func (f HandlerFunc) OnInterrupt(irq int, count uint64) { f(irq, count) }
