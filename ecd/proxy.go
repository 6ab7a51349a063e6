// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecd-daq/ecdm/pci"
	"github.com/ecd-daq/ecdm/uio"
)

// proxy lifecycle states. The bitstream loaders and StartPCI require a
// prior Init; StartPCI does not check that a bitstream was loaded.
const (
	stateNew = iota
	stateInit
	stateStarted
	stateClosed
)

// irqLine is the interrupt side of a uio.Binding, split out so tests can
// substitute a scripted one.
type irqLine interface {
	WaitForInterrupt() (uint32, error)
	EnableInterrupts() error
	Close() error
}

// joinTimeout bounds how long Close waits for the dispatcher to observe
// cancellation before abandoning it.
const joinTimeout = 2 * time.Second

// Proxy owns one ECD-Master board: it runs the bring-up sequence, holds the
// typed views over the RTL modules and dispatches device interrupts to the
// installed Handler.
type Proxy struct {
	msg *log.Logger

	mu    sync.Mutex
	state int

	cfg Config
	id  pci.ID
	axi axiMap

	loadErr string

	handler Handler

	// bring-up collaborators, replaced in tests.
	geteuid  func() int
	hotReset func(id pci.ID) error
	findPCI  func(id pci.ID) (string, error)
	openBAR  func(id pci.ID) (Mem32, io.Closer, error)
	bindUIO  func(bdf string) (irqLine, error)
	program  func(vivado, tcl string) ([]string, error)

	bar io.Closer
	uio irqLine

	rev  *Revision
	irq  *IrqManager
	rst  *RestartManager
	data *DataControl
	qsfp *QsfpStatus

	daq struct {
		quit  atomic.Bool
		done  chan int
		wakes atomic.Uint64 // UIO notifications received
		spur  atomic.Uint64 // notifications with an empty pending mask
		count [MaxIRQs]atomic.Uint64
	}
}

// New creates an idle proxy. Call Init, then the bitstream loaders, then
// StartPCI.
func New(opts ...Option) *Proxy {
	p := &Proxy{
		msg:      log.New(os.Stdout, "ecd: ", 0),
		geteuid:  os.Geteuid,
		hotReset: pci.HotReset,
		findPCI:  pci.Find,
		openBAR:  openBAR0,
		bindUIO: func(bdf string) (irqLine, error) {
			return uio.Bind(bdf)
		},
		program: runProgrammer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func openBAR0(id pci.ID) (Mem32, io.Closer, error) {
	dev, err := pci.Open(id)
	if err != nil {
		return nil, nil, err
	}
	bar, err := dev.BAR(0)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	if bar.Mem == nil {
		_ = dev.Close()
		return nil, nil, fmt.Errorf("pci: BAR0 of %s is not mappable: %w", dev.BDF, pci.ErrMmap)
	}
	return bar.Mem, dev, nil
}

// Init validates and stores the configuration. Mapping PCI resource files
// and /dev/mem requires an effective uid of 0, so Init refuses to continue
// for anyone else.
func (p *Proxy) Init(cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateNew {
		return fmt.Errorf("ecd: init: %w", ErrInvalidState)
	}
	if p.geteuid() != 0 {
		return fmt.Errorf("ecd: mapping PCI resources: %w", ErrPermission)
	}

	id, err := pci.ParseID(cfg.PCIDevice)
	if err != nil {
		return fmt.Errorf("ecd: could not parse pci device %q: %w", cfg.PCIDevice, ErrInvalidConfig)
	}

	axi, err := parseAxiMap(cfg.AxiMap)
	if err != nil {
		return err
	}

	switch {
	case cfg.IRQCount == 0:
		cfg.IRQCount = MaxIRQs
	case cfg.IRQCount < 0 || cfg.IRQCount > MaxIRQs:
		return fmt.Errorf("ecd: invalid irq count %d: %w", cfg.IRQCount, ErrInvalidConfig)
	}

	p.cfg = cfg
	p.id = id
	p.axi = axi
	p.state = stateInit
	return nil
}

// StartPCI hot-resets the board, binds its interrupt line, maps BAR0,
// attaches the RTL module views and starts the interrupt dispatcher.
func (p *Proxy) StartPCI() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateInit {
		return fmt.Errorf("ecd: start-pci: %w", ErrInvalidState)
	}

	err := p.hotReset(p.id)
	if err != nil {
		return fmt.Errorf("ecd: could not hot-reset %v: %w", p.id, err)
	}

	bdf, err := p.findPCI(p.id)
	if err != nil {
		return fmt.Errorf("ecd: could not locate %v: %w", p.id, err)
	}

	line, err := p.bindUIO(bdf)
	if err != nil {
		return fmt.Errorf("ecd: could not bind interrupt line of %s: %w", bdf, err)
	}

	bar0, closer, err := p.openBAR(p.id)
	if err != nil {
		_ = line.Close()
		return fmt.Errorf("ecd: could not map BAR0 of %s: %w", bdf, err)
	}

	p.uio = line
	p.bar = closer

	p.rev = NewRevision(bar0, p.axi[amMasterRevision])
	p.irq = NewIrqManager(bar0, p.axi[amIrqManager])
	p.rst = NewRestartManager(bar0, p.axi[amRestartManager])
	p.data = NewDataControl(bar0, p.axi[amDataControl])
	p.qsfp = NewQsfpStatus(bar0, p.axi[amQsfpStatus])

	p.daq.done = make(chan int)
	go p.dispatch()

	p.state = stateStarted
	return nil
}

// MasterBitstreamVersion reads the version of the running master bitstream.
func (p *Proxy) MasterBitstreamVersion() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return "", fmt.Errorf("ecd: bitstream version: %w", ErrInvalidState)
	}
	return p.rev.Version()
}

// MasterBitstreamDate reads the build date of the running master bitstream.
func (p *Proxy) MasterBitstreamDate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return "", fmt.Errorf("ecd: bitstream date: %w", ErrInvalidState)
	}
	return p.rev.Date()
}

// CheckQSFP polls the link state of a QSFP channel.
func (p *Proxy) CheckQSFP(channel int, requireUp bool) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return false, fmt.Errorf("ecd: qsfp check: %w", ErrInvalidState)
	}
	return p.qsfp.Check(channel, requireUp)
}

// Restart drains the streaming pipeline and puts it back into a known
// condition.
func (p *Proxy) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return fmt.Errorf("ecd: restart: %w", ErrInvalidState)
	}
	return p.rst.Restart()
}

// PrepareDataTransfer programs both ping-pong buffer addresses and their
// size, then starts the streaming engine.
func (p *Proxy) PrepareDataTransfer(addr0, addr1 uint64, blocks uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return fmt.Errorf("ecd: prepare data transfer: %w", ErrInvalidState)
	}
	return p.data.Start(addr0, addr1, blocks)
}

// NotifyBufferFull signals that side (0 or 1) has been replenished.
// Handlers call this once per drained-buffer interrupt.
func (p *Proxy) NotifyBufferFull(side int) error {
	// no state guard: this runs on the dispatcher while the application
	// thread may hold the lifecycle lock.
	data := p.data
	if data == nil {
		return fmt.Errorf("ecd: notify buffer full: %w", ErrInvalidState)
	}
	return data.NotifyBufferFull(side)
}

// IrqStats returns a snapshot of the per-source dispatch counters.
func (p *Proxy) IrqStats() [MaxIRQs]uint64 {
	var out [MaxIRQs]uint64
	for i := range out {
		out[i] = p.daq.count[i].Load()
	}
	return out
}

// Notifications returns how many UIO wakes the dispatcher has seen,
// spurious ones included.
func (p *Proxy) Notifications() uint64 {
	return p.daq.wakes.Load()
}

// Spurious returns how many UIO wakes carried an empty pending mask.
func (p *Proxy) Spurious() uint64 {
	return p.daq.spur.Load()
}

// DumpRegisters prints a point-in-time view of the board state.
func (p *Proxy) DumpRegisters(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateStarted {
		return fmt.Errorf("ecd: dump registers: %w", ErrInvalidState)
	}

	buf := bufio.NewWriter(w)
	defer buf.Flush()

	ver, err := p.rev.Version()
	if err != nil {
		return fmt.Errorf("ecd: could not dump registers: %w", err)
	}
	date, err := p.rev.Date()
	if err != nil {
		return fmt.Errorf("ecd: could not dump registers: %w", err)
	}
	pending, err := p.irq.Active()
	if err != nil {
		return fmt.Errorf("ecd: could not dump registers: %w", err)
	}
	qsfp0, err := p.qsfp.Check(0, false)
	if err != nil {
		return fmt.Errorf("ecd: could not dump registers: %w", err)
	}
	qsfp1, err := p.qsfp.Check(1, false)
	if err != nil {
		return fmt.Errorf("ecd: could not dump registers: %w", err)
	}

	fmt.Fprintf(buf, "master bitstream= %s (%s)\n", ver, date)
	fmt.Fprintf(buf, "irq pending=      0x%08x\n", pending)
	fmt.Fprintf(buf, "qsfp link=        ch0=%v ch1=%v\n", qsfp0, qsfp1)
	fmt.Fprintf(buf, "uio wakes=        %d (spurious=%d)\n",
		p.daq.wakes.Load(), p.daq.spur.Load(),
	)

	err = buf.Flush()
	if err != nil {
		return fmt.Errorf("ecd: could not dump registers: %w", err)
	}
	return nil
}

// Close stops the dispatcher, waits for it to exit and releases the UIO
// binding and the BAR mappings. The pending blocking read is aborted by
// closing the UIO node.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateClosed {
		return nil
	}

	started := p.state == stateStarted
	p.state = stateClosed

	if !started {
		return nil
	}

	p.daq.quit.Store(true)
	var errUIO error
	if p.uio != nil {
		errUIO = p.uio.Close()
	}

	tck := time.NewTimer(joinTimeout)
	defer tck.Stop()
	select {
	case <-p.daq.done:
	case <-tck.C:
		p.msg.Printf("dispatcher did not stop within %v, abandoning", joinTimeout)
	}

	var errBAR error
	if p.bar != nil {
		errBAR = p.bar.Close()
	}

	if errUIO != nil {
		return fmt.Errorf("ecd: could not close interrupt line: %w", errUIO)
	}
	if errBAR != nil {
		return fmt.Errorf("ecd: could not unmap device: %w", errBAR)
	}
	return nil
}
