// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRevision(t *testing.T) {
	mem := newMemFile()
	mem.setReg(0x40+4*regVersion, 0x00030201)
	mem.setReg(0x40+4*regDate, 0x20240601)

	rev := NewRevision(mem, 0x40)

	ver, err := rev.Version()
	if err != nil {
		t.Fatalf("could not read version: %+v", err)
	}
	if got, want := ver, "3.2.1"; got != want {
		t.Fatalf("invalid version: got=%q, want=%q", got, want)
	}

	date, err := rev.Date()
	if err != nil {
		t.Fatalf("could not read date: %+v", err)
	}
	if got, want := date, "2024-06-01"; got != want {
		t.Fatalf("invalid date: got=%q, want=%q", got, want)
	}
}

func TestRevisionError(t *testing.T) {
	rev := NewRevision(errMem{}, 0x40)

	_, err := rev.Version()
	if err == nil {
		t.Fatalf("expected an error reading the version")
	}

	// the error is sticky.
	_, err = rev.Date()
	if err == nil {
		t.Fatalf("expected a sticky error reading the date")
	}
}

func TestIrqManager(t *testing.T) {
	mem := newMemFile()
	mem.onWrite = func(regs map[int64]uint32, off int64, v uint32) {
		if off == 4*regClear {
			regs[4*regIntr] &^= v
			return
		}
		regs[off] = v
	}
	mem.setReg(4*regIntr, 0b101)

	mgr := NewIrqManager(mem, 0)

	mask, err := mgr.Active()
	if err != nil {
		t.Fatalf("could not read pending mask: %+v", err)
	}
	if got, want := mask, uint32(0b101); got != want {
		t.Fatalf("invalid pending mask: got=0b%b, want=0b%b", got, want)
	}

	err = mgr.Clear(0b001)
	if err != nil {
		t.Fatalf("could not clear interrupts: %+v", err)
	}

	mask, err = mgr.Active()
	if err != nil {
		t.Fatalf("could not re-read pending mask: %+v", err)
	}
	if got, want := mask, uint32(0b100); got != want {
		t.Fatalf("invalid pending mask after clear: got=0b%b, want=0b%b", got, want)
	}
}

func TestDataControlStart(t *testing.T) {
	mem := newMemFile()
	dc := NewDataControl(mem, 0x300)

	const (
		addr0  = 0x1_0000_0000
		addr1  = 0x1_4000_0000
		blocks = 16
	)
	err := dc.Start(addr0, addr1, blocks)
	if err != nil {
		t.Fatalf("could not start transfer: %+v", err)
	}

	// the six programming stores, in this exact order, START last.
	var got []memOp
	for _, op := range mem.writes(-1) {
		got = append(got, op)
	}
	want := []memOp{
		{write: true, off: 0x300 + 4*regPPB0H, val: addr0 >> 32},
		{write: true, off: 0x300 + 4*regPPB0L, val: addr0 & 0xffffffff},
		{write: true, off: 0x300 + 4*regPPB1H, val: addr1 >> 32},
		{write: true, off: 0x300 + 4*regPPB1L, val: addr1 & 0xffffffff},
		{write: true, off: 0x300 + 4*regPPBSize, val: blocks},
		{write: true, off: 0x300 + 4*regStart, val: 1},
	}
	if !cmp.Equal(got, want, cmp.AllowUnexported(memOp{})) {
		t.Fatalf("invalid store sequence:\n%s", cmp.Diff(got, want, cmp.AllowUnexported(memOp{})))
	}
}

func TestDataControlStartInvalid(t *testing.T) {
	for _, tc := range []struct {
		name   string
		addr0  uint64
		addr1  uint64
		blocks uint32
	}{
		{name: "zero-blocks", addr0: 0, addr1: 1 << 20, blocks: 0},
		{name: "misaligned-addr0", addr0: 1000, addr1: 1 << 20, blocks: 1},
		{name: "misaligned-addr1", addr0: 0, addr1: 1000 + 1<<20, blocks: 1},
		{name: "overlap", addr0: 0, addr1: 2048, blocks: 2},
		{name: "identical", addr0: 4096, addr1: 4096, blocks: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mem := newMemFile()
			dc := NewDataControl(mem, 0)

			err := dc.Start(tc.addr0, tc.addr1, tc.blocks)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if n := len(mem.writes(-1)); n != 0 {
				t.Fatalf("invalid arguments reached the device: %d stores", n)
			}
		})
	}
}

func TestDataControlNotifyBufferFull(t *testing.T) {
	mem := newMemFile()
	dc := NewDataControl(mem, 0)

	err := dc.NotifyBufferFull(0)
	if err != nil {
		t.Fatalf("could not notify buffer 0: %+v", err)
	}
	err = dc.NotifyBufferFull(1)
	if err != nil {
		t.Fatalf("could not notify buffer 1: %+v", err)
	}

	// out-of-range sides are dropped without any MMIO store.
	err = dc.NotifyBufferFull(2)
	if err != nil {
		t.Fatalf("unexpected error for side 2: %+v", err)
	}
	err = dc.NotifyBufferFull(-1)
	if err != nil {
		t.Fatalf("unexpected error for side -1: %+v", err)
	}

	got := mem.writes(4 * regPPBRdy)
	if len(got) != 2 || got[0].val != 0b01 || got[1].val != 0b10 {
		t.Fatalf("invalid ready stores: %+v", got)
	}
}

func TestRestartManager(t *testing.T) {
	mem := newMemFile()
	rst := NewRestartManager(mem, 0x200)

	err := rst.Restart()
	if err != nil {
		t.Fatalf("could not restart: %+v", err)
	}

	got := mem.writes(0x200 + 4*regRestart)
	if len(got) != 1 || got[0].val != 1 {
		t.Fatalf("invalid restart stores: %+v", got)
	}
}

func TestQsfpStatus(t *testing.T) {
	mem := newMemFile()
	mem.setReg(4*regQsfpLink, 0b10)

	q := NewQsfpStatus(mem, 0)

	up, err := q.Check(1, true)
	if err != nil {
		t.Fatalf("could not check channel 1: %+v", err)
	}
	if !up {
		t.Fatalf("channel 1 should be up")
	}

	up, err = q.Check(0, false)
	if err != nil {
		t.Fatalf("could not check channel 0: %+v", err)
	}
	if up {
		t.Fatalf("channel 0 should be down")
	}

	_, err = q.Check(0, true)
	if !errors.Is(err, ErrLinkDown) {
		t.Fatalf("expected ErrLinkDown, got: %+v", err)
	}

	if _, err := q.Check(2, false); err == nil {
		t.Fatalf("expected an error for channel 2")
	}
}
