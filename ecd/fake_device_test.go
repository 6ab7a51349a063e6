// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ecd-daq/ecdm/pci"
)

// memOp is one recorded MMIO access.
type memOp struct {
	write bool
	off   int64
	val   uint32
}

// memFile is an in-memory register file standing in for a mapped BAR.
// onWrite, when set, models device-side write semantics (e.g. a clear
// register dropping pending bits) instead of the default plain store.
type memFile struct {
	mu      sync.Mutex
	regs    map[int64]uint32
	ops     []memOp
	onWrite func(regs map[int64]uint32, off int64, v uint32)
}

func newMemFile() *memFile {
	return &memFile{regs: make(map[int64]uint32)}
}

func (m *memFile) ReadU32(off int64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, memOp{off: off, val: m.regs[off]})
	return m.regs[off], nil
}

func (m *memFile) WriteU32(off int64, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, memOp{write: true, off: off, val: v})
	if m.onWrite != nil {
		m.onWrite(m.regs, off, v)
		return nil
	}
	m.regs[off] = v
	return nil
}

func (m *memFile) setReg(off int64, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[off] = v
}

func (m *memFile) reg(off int64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[off]
}

// writes returns the recorded stores, optionally restricted to one offset.
func (m *memFile) writes(off int64) []memOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memOp
	for _, op := range m.ops {
		if !op.write {
			continue
		}
		if off >= 0 && op.off != off {
			continue
		}
		out = append(out, op)
	}
	return out
}

// errMem fails every access.
type errMem struct{}

func (errMem) ReadU32(off int64) (uint32, error) {
	return 0, fmt.Errorf("boom (off=0x%x)", off)
}

func (errMem) WriteU32(off int64, v uint32) error {
	return fmt.Errorf("boom (off=0x%x)", off)
}

// fakeIRQ is a scripted interrupt line: each value sent on wake unblocks
// one WaitForInterrupt.
type fakeIRQ struct {
	mu     sync.Mutex
	events []string
	wake   chan uint32
	once   sync.Once
}

func newFakeIRQ() *fakeIRQ {
	return &fakeIRQ{wake: make(chan uint32)}
}

func (f *fakeIRQ) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeIRQ) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeIRQ) WaitForInterrupt() (uint32, error) {
	f.record("wait")
	v, ok := <-f.wake
	if !ok {
		return 0, io.EOF
	}
	return v, nil
}

func (f *fakeIRQ) EnableInterrupts() error {
	f.record("arm")
	return nil
}

func (f *fakeIRQ) Close() error {
	f.once.Do(func() { close(f.wake) })
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// RTL module base offsets used by the fake board.
const (
	tstRevBase  = 0x0000
	tstIrqBase  = 0x0100
	tstRstBase  = 0x0200
	tstDataBase = 0x0300
	tstQsfpBase = 0x0400
)

func testConfig(tmp string) Config {
	return Config{
		TmpDir:                  tmp,
		Vivado:                  "vivado",
		PCIDevice:               "10ee:903f",
		MasterProgrammingScript: []string{"open_hw_manager", "program_hw_devices"},
		ECDProgrammingScript:    []string{"open_hw_manager", "program_hw_devices -ecd"},
		AxiMap: map[string]uint32{
			"master_revision": tstRevBase,
			"irq_manager":     tstIrqBase,
			"restart_manager": tstRstBase,
			"data_control":    tstDataBase,
			"qsfp_status":     tstQsfpBase,
		},
		IRQCount: 2,
	}
}

// testProxy wires a proxy to a fake board: the register file implements the
// latched-interrupt model (a store to the clear register drops pending
// bits) and the interrupt line is driven by the test.
func testProxy(t *testing.T, opts ...Option) (*Proxy, *memFile, *fakeIRQ) {
	t.Helper()

	mem := newMemFile()
	mem.onWrite = func(regs map[int64]uint32, off int64, v uint32) {
		if off == tstIrqBase+4*regClear {
			regs[tstIrqBase+4*regIntr] &^= v
			return
		}
		regs[off] = v
	}
	line := newFakeIRQ()

	opts = append(opts, WithLogger(log.New(io.Discard, "", 0)))
	p := New(opts...)
	p.geteuid = func() int { return 0 }
	p.hotReset = func(pci.ID) error { return nil }
	p.findPCI = func(pci.ID) (string, error) { return "0000:03:00.0", nil }
	p.openBAR = func(pci.ID) (Mem32, io.Closer, error) { return mem, nopCloser{}, nil }
	p.bindUIO = func(string) (irqLine, error) { return line, nil }
	p.program = func(vivado, tcl string) ([]string, error) {
		return []string{"INFO: programmed"}, nil
	}
	return p, mem, line
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
