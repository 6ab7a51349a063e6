// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"fmt"
	"time"
)

// Revision reads the version and build date of the loaded master bitstream.
type Revision struct {
	rb *regblk
}

const (
	regVersion = 0
	regDate    = 1
)

func NewRevision(mem Mem32, base uint32) *Revision {
	return &Revision{rb: newRegblk(mem, base)}
}

// Version returns the bitstream version as "M.m.p". The register packs the
// version as [patch, minor, major, 0] bytes from the LSB up.
func (rev *Revision) Version() (string, error) {
	v := rev.rb.r(regVersion)
	if rev.rb.err != nil {
		return "", rev.rb.err
	}
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xff, (v>>8)&0xff, v&0xff), nil
}

// Date returns the bitstream build date as "YYYY-MM-DD". The register packs
// the date as BCD YYYYMMDD.
func (rev *Revision) Date() (string, error) {
	v := rev.rb.r(regDate)
	if rev.rb.err != nil {
		return "", rev.rb.err
	}
	bcd := fmt.Sprintf("%08x", v)
	return bcd[:4] + "-" + bcd[4:6] + "-" + bcd[6:], nil
}

// IrqManager exposes the FPGA's latched interrupt bitmap.
type IrqManager struct {
	rb *regblk
}

const (
	regIntr  = 0
	regClear = 1
)

func NewIrqManager(mem Mem32, base uint32) *IrqManager {
	return &IrqManager{rb: newRegblk(mem, base)}
}

// Active returns the raw pending-interrupt mask; bit i set means source i
// is asserting.
func (mgr *IrqManager) Active() (uint32, error) {
	v := mgr.rb.r(regIntr)
	return v, mgr.rb.err
}

// Clear drops the latched indication of every source set in mask. Writing 0
// is a no-op on the device.
func (mgr *IrqManager) Clear(mask uint32) error {
	mgr.rb.w(regClear, mask)
	return mgr.rb.err
}

// DataControl programs and feeds the ping-pong streaming engine.
type DataControl struct {
	rb *regblk
}

const (
	regPPB0H   = 0  // ping-pong buffer #0, hi 32 bits of the physical address
	regPPB0L   = 1  // ping-pong buffer #0, lo 32 bits
	regPPB1H   = 2  // ping-pong buffer #1, hi 32 bits
	regPPB1L   = 3  // ping-pong buffer #1, lo 32 bits
	regPPBSize = 4  // buffer size in 2048-byte blocks
	regStart   = 10 // a write starts the transfer
	regPPBRdy  = 11 // signals that a buffer has been replenished
)

func NewDataControl(mem Mem32, base uint32) *DataControl {
	return &DataControl{rb: newRegblk(mem, base)}
}

// Start hands the engine both physical buffer addresses and their size,
// then begins streaming: buffer 0 first, then buffer 1, alternating. Each
// drained side raises the matching IRQ source.
func (dc *DataControl) Start(addr0, addr1 uint64, blocks uint32) error {
	if blocks < 1 {
		return fmt.Errorf("ecd: invalid ping-pong block count %d", blocks)
	}
	if addr0%BlockSize != 0 || addr1%BlockSize != 0 {
		return fmt.Errorf(
			"ecd: ping-pong buffers not %d-byte aligned: 0x%x, 0x%x",
			BlockSize, addr0, addr1,
		)
	}
	size := uint64(blocks) * BlockSize
	if addr0 < addr1+size && addr1 < addr0+size {
		return fmt.Errorf(
			"ecd: ping-pong buffers overlap: [0x%x,0x%x) and [0x%x,0x%x)",
			addr0, addr0+size, addr1, addr1+size,
		)
	}

	dc.rb.w(regPPB0H, uint32(addr0>>32))
	dc.rb.w(regPPB0L, uint32(addr0))
	dc.rb.w(regPPB1H, uint32(addr1>>32))
	dc.rb.w(regPPB1L, uint32(addr1))
	dc.rb.w(regPPBSize, blocks)
	dc.rb.w(regStart, 1)
	return dc.rb.err
}

// NotifyBufferFull tells the engine that side (0 or 1) has been refilled
// and may be consumed on its next rotation. Out-of-range sides are ignored
// without touching the device.
func (dc *DataControl) NotifyBufferFull(side int) error {
	if side < 0 || side > 1 {
		return nil
	}
	dc.rb.w(regPPBRdy, 1<<uint(side))
	return dc.rb.err
}

// RestartManager puts the streaming pipeline back into a known state.
type RestartManager struct {
	rb *regblk
}

const regRestart = 0

// restartDrain bounds the worst-case time for data to drain out of the
// fixed-latency pipeline stages.
const restartDrain = 500 * time.Millisecond

func NewRestartManager(mem Mem32, base uint32) *RestartManager {
	return &RestartManager{rb: newRegblk(mem, base)}
}

// Restart pulses the reset register and waits for the pipeline to drain.
func (rst *RestartManager) Restart() error {
	rst.rb.w(regRestart, 1)
	if rst.rb.err != nil {
		return rst.rb.err
	}
	time.Sleep(restartDrain)
	return nil
}

// QsfpStatus polls the QSFP link-state bits.
type QsfpStatus struct {
	rb *regblk
}

const regQsfpLink = 0

func NewQsfpStatus(mem Mem32, base uint32) *QsfpStatus {
	return &QsfpStatus{rb: newRegblk(mem, base)}
}

// Check returns whether channel (0 or 1) has link. With requireUp set, a
// down link is reported as ErrLinkDown.
func (q *QsfpStatus) Check(channel int, requireUp bool) (bool, error) {
	if channel < 0 || channel > 1 {
		return false, fmt.Errorf("ecd: invalid QSFP channel %d", channel)
	}
	v := q.rb.r(regQsfpLink)
	if q.rb.err != nil {
		return false, q.rb.err
	}
	up := v&(1<<uint(channel)) != 0
	if requireUp && !up {
		return false, fmt.Errorf("ecd: QSFP channel %d: %w", channel, ErrLinkDown)
	}
	return up, nil
}
