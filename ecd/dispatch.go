// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

// dispatch is the interrupt service loop, run on its own goroutine for the
// lifetime of the started proxy.
//
// Each turn re-arms INTx (the kernel's UIO PCI handler disables it on every
// assertion), blocks in the UIO read, then queries the FPGA's pending mask.
// A zero mask is a spurious wake: nothing is invoked, the line is simply
// re-armed. Otherwise the whole mask is cleared in one write before any
// handler runs, so a source serviced now cannot re-notify through the stale
// latch, and the set bits are dispatched in ascending order.
func (p *Proxy) dispatch() {
	defer close(p.daq.done)

	for {
		if p.daq.quit.Load() {
			return
		}

		err := p.uio.EnableInterrupts()
		if err != nil {
			if p.daq.quit.Load() {
				return
			}
			p.msg.Printf("could not re-arm INTx: %+v", err)
			return
		}

		_, err = p.uio.WaitForInterrupt()
		if err != nil {
			if p.daq.quit.Load() {
				return
			}
			p.msg.Printf("interrupt wait failed: %+v", err)
			return
		}
		p.daq.wakes.Add(1)

		mask, err := p.irq.Active()
		if err != nil {
			p.msg.Printf("could not read pending interrupts: %+v", err)
			return
		}
		if mask == 0 {
			p.daq.spur.Add(1)
			continue
		}

		err = p.irq.Clear(mask)
		if err != nil {
			p.msg.Printf("could not clear interrupts 0x%x: %+v", mask, err)
			return
		}

		for i := 0; i < MaxIRQs; i++ {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			if i >= p.cfg.IRQCount {
				// product-specific source with no handler slot:
				// cleared above, not dispatched.
				continue
			}
			n := p.daq.count[i].Add(1)
			p.invoke(i, n)
		}
	}
}

// invoke runs the handler for one source, shielding the dispatcher from a
// panicking handler. A missed refill is the device's problem to surface
// (underrun), not ours to recover.
func (p *Proxy) invoke(irq int, count uint64) {
	if p.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.msg.Printf("interrupt handler panic (irq=%d, count=%d): %v", irq, count, r)
		}
	}()
	p.handler.OnInterrupt(irq, count)
}
