// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ecd-daq boots the ECD-Master card and streams host memory over
// QSFP until interrupted.
package main // import "github.com/ecd-daq/ecdm/cmd/ecd-daq"

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/ecd-daq/ecdm/ecd"
	"github.com/ecd-daq/ecdm/internal/physmem"
	"github.com/ecd-daq/ecdm/rundb"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		cfgPath = flag.String("cfg", "ecdm.toml", "configuration file")
		runnbr  = flag.Int("run", -1, "run number (-1: next from the run database)")
		dbname  = flag.String("rundb", "", "run-conditions database name (empty: disabled)")
		timeout = flag.Duration("t", 0, "streaming duration (0: until interrupted)")
	)

	log.SetPrefix("ecd-daq: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*cfgPath, *runnbr, *dbname, *timeout)
	if err != nil {
		log.Fatalf("could not run ecd-daq: %+v", err)
	}
}

func loadConfig(fname string) (ecd.ServerConfig, error) {
	var cfg ecd.ServerConfig

	v := viper.New()
	v.SetConfigFile(fname)
	err := v.ReadInConfig()
	if err != nil {
		return cfg, fmt.Errorf("could not read config %q: %w", fname, err)
	}
	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode config %q: %w", fname, err)
	}

	switch {
	case cfg.DevMem == "":
		return cfg, fmt.Errorf("config %q: missing dev_mem", fname)
	case cfg.DMASize <= 0:
		return cfg, fmt.Errorf("config %q: missing dma_size", fname)
	case cfg.Blocks < 1:
		return cfg, fmt.Errorf("config %q: missing blocks", fname)
	}
	return cfg, nil
}

func run(cfgPath string, runnbr int, dbname string, timeout time.Duration) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	dma, err := physmem.Map(cfg.DevMem, cfg.DMAAddr, cfg.DMASize)
	if err != nil {
		return fmt.Errorf("could not map reserved DMA window: %w", err)
	}
	defer dma.Close()

	addr0, addr1, err := dma.PingPong(cfg.Blocks)
	if err != nil {
		return fmt.Errorf("could not carve ping-pong buffers: %w", err)
	}

	gen := newGenerator(dma, cfg.Blocks)
	gen.fill(0)
	gen.fill(1)

	dev := ecd.New(ecd.WithHandler(gen))
	defer dev.Close()
	gen.dev = dev

	err = dev.Init(cfg.Config)
	if err != nil {
		return fmt.Errorf("could not initialize ECD proxy: %w", err)
	}

	if !dev.LoadMasterBitstream() {
		return fmt.Errorf("could not load master bitstream: %s", dev.LoadError())
	}
	if len(cfg.ECDProgrammingScript) != 0 && !dev.LoadECDBitstream() {
		return fmt.Errorf("could not load ECD bitstream: %s", dev.LoadError())
	}

	err = dev.StartPCI()
	if err != nil {
		return fmt.Errorf("could not start PCI subsystem: %w", err)
	}

	ver, err := dev.MasterBitstreamVersion()
	if err != nil {
		return fmt.Errorf("could not read bitstream version: %w", err)
	}
	date, err := dev.MasterBitstreamDate()
	if err != nil {
		return fmt.Errorf("could not read bitstream date: %w", err)
	}
	log.Printf("master bitstream: %s (%s)", ver, date)

	if _, err := dev.CheckQSFP(0, true); err != nil {
		return fmt.Errorf("could not check QSFP link: %w", err)
	}

	ctx := context.Background()
	var (
		db     *rundb.DB
		number = uint32(0)
	)
	if dbname != "" {
		db, err = rundb.Open(dbname)
		if err != nil {
			return fmt.Errorf("could not open run database: %w", err)
		}
		defer db.Close()
	}
	switch {
	case runnbr >= 0:
		number = uint32(runnbr)
	case db != nil:
		last, err := db.LastRunNumber(ctx)
		if err != nil {
			return fmt.Errorf("could not get last run number: %w", err)
		}
		number = last + 1
	}
	log.Printf("run=%d blocks=%d ppb=[0x%x 0x%x]", number, cfg.Blocks, addr0, addr1)

	started := time.Now()
	err = dev.PrepareDataTransfer(addr0, addr1, cfg.Blocks)
	if err != nil {
		return fmt.Errorf("could not start data transfer: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	var (
		grp  errgroup.Group
		done = make(chan int)
	)
	grp.Go(func() error {
		tick := time.NewTicker(10 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-tick.C:
				stats := dev.IrqStats()
				log.Printf("irq[0]=%d irq[1]=%d wakes=%d spurious=%d",
					stats[0], stats[1], dev.Notifications(), dev.Spurious(),
				)
			}
		}
	})
	grp.Go(func() error {
		defer close(done)
		if timeout > 0 {
			tck := time.NewTimer(timeout)
			defer tck.Stop()
			select {
			case <-stop:
			case <-tck.C:
			}
			return nil
		}
		<-stop
		return nil
	})

	err = grp.Wait()
	if err != nil {
		return fmt.Errorf("could not stream: %w", err)
	}

	stats := dev.IrqStats()
	log.Printf("stopping: irq[0]=%d irq[1]=%d wakes=%d spurious=%d",
		stats[0], stats[1], dev.Notifications(), dev.Spurious(),
	)

	if db != nil {
		err = db.AddRun(ctx, rundb.Run{
			Number:  number,
			Version: ver,
			Date:    date,
			IRQs:    stats[0] + stats[1],
			Started: started,
		})
		if err != nil {
			return fmt.Errorf("could not record run %d: %w", number, err)
		}
	}

	return dev.Close()
}

// generator refills drained ping-pong buffers with a rolling block-sequence
// pattern, so the QSFP consumer can spot drops.
type generator struct {
	dev    *ecd.Proxy
	dma    *physmem.Region
	blocks uint32
	seq    uint64
}

func newGenerator(dma *physmem.Region, blocks uint32) *generator {
	return &generator{dma: dma, blocks: blocks}
}

// OnInterrupt services a drained-buffer interrupt: refill, then hand the
// side back to the engine.
func (gen *generator) OnInterrupt(irq int, count uint64) {
	if irq > 1 {
		return
	}
	gen.fill(irq)
	err := gen.dev.NotifyBufferFull(irq)
	if err != nil {
		log.Printf("could not notify buffer %d (count=%d): %+v", irq, count, err)
	}
}

// fill stamps every block of one side with the next sequence number.
func (gen *generator) fill(side int) {
	var (
		half = int64(gen.blocks) * ecd.BlockSize
		word [8]byte
	)
	for off := int64(0); off < half; off += ecd.BlockSize {
		gen.seq++
		binary.LittleEndian.PutUint64(word[:], gen.seq)
		_, err := gen.dma.WriteAt(word[:], int64(side)*half+off)
		if err != nil {
			log.Printf("could not fill buffer %d at 0x%x: %+v", side, off, err)
			return
		}
	}
}
