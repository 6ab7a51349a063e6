// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ecd-daq/ecdm/internal/physmem"
	"github.com/go-daq/tdaq"
)

// ServerConfig extends the proxy configuration with the host-memory window
// the streaming engine pulls from.
type ServerConfig struct {
	Config `mapstructure:",squash"`

	// DevMem is the device node projecting physical memory, normally
	// /dev/mem.
	DevMem string `mapstructure:"dev_mem"`

	// DMAAddr and DMASize delimit the reserved DRAM window.
	DMAAddr uint64 `mapstructure:"dma_addr"`
	DMASize int64  `mapstructure:"dma_size"`

	// Blocks is the size of each ping-pong buffer in 2048-byte blocks.
	Blocks uint32 `mapstructure:"blocks"`
}

// Server exposes one ECD-Master board over the tdaq command protocol:
// /init programs the bitstream, /start arms the streaming engine, /stop
// drains it. Dispatched interrupts are republished on the /ecd-irq output
// channel as (irq, count) little-endian records.
type Server struct {
	cfg ServerConfig

	dev *Proxy
	dma *physmem.Region

	seq   atomic.Uint64
	irqCh chan []byte

	newProxy func(opts ...Option) *Proxy
}

// NewServer creates a tdaq server driving one board.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:      cfg,
		irqCh:    make(chan []byte, 1024),
		newProxy: New,
	}
}

// OnInterrupt refills the drained side, signals the engine and republishes
// the event. It runs on the proxy's dispatcher goroutine.
func (srv *Server) OnInterrupt(irq int, count uint64) {
	if irq < 2 && srv.dma != nil {
		srv.refill(irq)
		_ = srv.dev.NotifyBufferFull(irq)
	}

	var rec [12]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(irq))
	binary.LittleEndian.PutUint64(rec[4:12], count)
	select {
	case srv.irqCh <- rec[:]:
	default:
	}
}

// refill stamps every block of one side with the next sequence number.
func (srv *Server) refill(side int) {
	var (
		half = int64(srv.cfg.Blocks) * BlockSize
		off  = int64(side) * half
		blk  [8]byte
	)
	for i := int64(0); i < int64(srv.cfg.Blocks); i++ {
		binary.LittleEndian.PutUint64(blk[:], srv.seq.Add(1))
		_, _ = srv.dma.WriteAt(blk[:], off+i*BlockSize)
	}
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if _, err := parseAxiMap(srv.cfg.AxiMap); err != nil {
		return err
	}
	if srv.cfg.Blocks < 1 {
		return fmt.Errorf("ecd: invalid block count %d: %w", srv.cfg.Blocks, ErrInvalidConfig)
	}
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if srv.dev != nil {
		return fmt.Errorf("ecd: board already initialized: %w", ErrInvalidState)
	}

	dev := srv.newProxy(WithHandler(srv))
	err := dev.Init(srv.cfg.Config)
	if err != nil {
		return fmt.Errorf("ecd: could not initialize board: %w", err)
	}

	if !dev.LoadMasterBitstream() {
		return fmt.Errorf("ecd: could not load master bitstream: %s: %w",
			dev.LoadError(), ErrExternalTool)
	}
	if len(srv.cfg.ECDProgrammingScript) != 0 && !dev.LoadECDBitstream() {
		return fmt.Errorf("ecd: could not load ecd bitstream: %s: %w",
			dev.LoadError(), ErrExternalTool)
	}

	srv.dev = dev
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.teardown()
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.dev == nil {
		return fmt.Errorf("ecd: board not initialized: %w", ErrInvalidState)
	}

	dma, err := physmem.Map(srv.cfg.DevMem, srv.cfg.DMAAddr, srv.cfg.DMASize)
	if err != nil {
		return fmt.Errorf("ecd: could not map DMA window: %w", err)
	}
	srv.dma = dma
	addr0, addr1, err := dma.PingPong(srv.cfg.Blocks)
	if err != nil {
		return fmt.Errorf("ecd: could not carve ping-pong buffers: %w", err)
	}

	// pre-load both sides before the engine starts pulling.
	srv.refill(0)
	srv.refill(1)

	err = srv.dev.StartPCI()
	if err != nil {
		return fmt.Errorf("ecd: could not start PCI subsystem: %w", err)
	}

	ver, err := srv.dev.MasterBitstreamVersion()
	if err != nil {
		return err
	}
	date, err := srv.dev.MasterBitstreamDate()
	if err != nil {
		return err
	}
	ctx.Msg.Infof("master bitstream %s (%s)", ver, date)

	err = srv.dev.PrepareDataTransfer(addr0, addr1, srv.cfg.Blocks)
	if err != nil {
		return fmt.Errorf("ecd: could not start data transfer: %w", err)
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	if srv.dev == nil {
		return fmt.Errorf("ecd: board not initialized: %w", ErrInvalidState)
	}

	stats := srv.dev.IrqStats()
	ctx.Msg.Infof("irq[0]=%d irq[1]=%d wakes=%d spurious=%d",
		stats[0], stats[1], srv.dev.Notifications(), srv.dev.Spurious(),
	)
	return srv.dev.Restart()
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.teardown()
}

func (srv *Server) teardown() error {
	var err error
	if srv.dev != nil {
		err = srv.dev.Close()
		srv.dev = nil
	}
	if srv.dma != nil {
		errDMA := srv.dma.Close()
		if err == nil {
			err = errDMA
		}
		srv.dma = nil
	}
	srv.seq.Store(0)
	return err
}

// IRQ feeds the /ecd-irq output channel.
func (srv *Server) IRQ(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case rec := <-srv.irqCh:
		dst.Body = rec
	}
	return nil
}

// Run is the steady-state loop: it periodically logs dispatch statistics
// until the run context is cancelled.
func (srv *Server) Run(ctx tdaq.Context) error {
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		case <-tick.C:
			if srv.dev == nil {
				continue
			}
			stats := srv.dev.IrqStats()
			ctx.Msg.Debugf("irq[0]=%d irq[1]=%d wakes=%d",
				stats[0], stats[1], srv.dev.Notifications(),
			)
		}
	}
}
