// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ecd-spy spies the content of ECD-Master registers. With -i it
// drops into an interactive peek/poke shell over the BAR0 register map.
package main // import "github.com/ecd-daq/ecdm/cmd/ecd-spy"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ecd-daq/ecdm/ecd"
	"github.com/ecd-daq/ecdm/pci"
	"github.com/peterh/liner"
	"github.com/spf13/viper"
)

func main() {
	var (
		cfgPath     = flag.String("cfg", "ecdm.toml", "configuration file")
		interactive = flag.Bool("i", false, "interactive peek/poke shell")
	)

	log.SetPrefix("ecd-spy: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*cfgPath, *interactive)
	if err != nil {
		log.Fatalf("could not run ecd-spy: %+v", err)
	}
}

func run(cfgPath string, interactive bool) error {
	var cfg ecd.Config
	v := viper.New()
	v.SetConfigFile(cfgPath)
	err := v.ReadInConfig()
	if err != nil {
		return fmt.Errorf("could not read config %q: %w", cfgPath, err)
	}
	err = v.Unmarshal(&cfg)
	if err != nil {
		return fmt.Errorf("could not decode config %q: %w", cfgPath, err)
	}

	id, err := pci.ParseID(cfg.PCIDevice)
	if err != nil {
		return fmt.Errorf("could not parse pci device %q: %w", cfg.PCIDevice, err)
	}

	dev, err := pci.Open(id)
	if err != nil {
		return fmt.Errorf("could not open %v: %w", id, err)
	}
	defer dev.Close()

	bar0, err := dev.BAR(0)
	if err != nil {
		return fmt.Errorf("could not get BAR0: %w", err)
	}
	if bar0.Mem == nil {
		return fmt.Errorf("BAR0 of %s is not mappable", dev.BDF)
	}

	s := &spy{mem: bar0.Mem, axi: cfg.AxiMap}

	fmt.Printf("------------------------------------------------\n")
	const layout = "2006-01-02 15:04:05 MST"
	fmt.Printf("%v (%s @ %v)\n", time.Now().Format(layout), dev.BDF, id)

	err = s.dump(os.Stdout)
	if err != nil {
		return fmt.Errorf("could not dump registers: %w", err)
	}

	if !interactive {
		return nil
	}
	return s.shell()
}

type spy struct {
	mem ecd.Mem32
	axi map[string]uint32
}

func (s *spy) dump(w io.Writer) error {
	rev := ecd.NewRevision(s.mem, s.axi["master_revision"])
	ver, err := rev.Version()
	if err != nil {
		return err
	}
	date, err := rev.Date()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "master bitstream= %s (%s)\n", ver, date)

	irqs := ecd.NewIrqManager(s.mem, s.axi["irq_manager"])
	pending, err := irqs.Active()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "irq pending=      0x%08x\n", pending)

	qsfp := ecd.NewQsfpStatus(s.mem, s.axi["qsfp_status"])
	for _, ch := range []int{0, 1} {
		up, err := qsfp.Check(ch, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "qsfp link ch%d=    %v\n", ch, up)
	}
	return nil
}

func (s *spy) shell() error {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	for {
		txt, err := term.Prompt("ecd> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		txt = strings.TrimSpace(txt)
		if txt == "" {
			continue
		}
		term.AppendHistory(txt)

		quit, err := s.eval(txt)
		if err != nil {
			fmt.Printf("error: %+v\n", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

func (s *spy) eval(txt string) (quit bool, err error) {
	toks := strings.Fields(txt)
	switch toks[0] {
	case "q", "quit", "exit":
		return true, nil

	case "dump":
		return false, s.dump(os.Stdout)

	case "rd":
		if len(toks) != 3 {
			return false, fmt.Errorf("usage: rd <module> <reg>")
		}
		off, err := s.offset(toks[1], toks[2])
		if err != nil {
			return false, err
		}
		v, err := s.mem.ReadU32(off)
		if err != nil {
			return false, err
		}
		fmt.Printf("[0x%06x] = 0x%08x\n", off, v)
		return false, nil

	case "wr":
		if len(toks) != 4 {
			return false, fmt.Errorf("usage: wr <module> <reg> <value>")
		}
		off, err := s.offset(toks[1], toks[2])
		if err != nil {
			return false, err
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(toks[3], "0x"), 16, 32)
		if err != nil {
			return false, fmt.Errorf("invalid value %q: %w", toks[3], err)
		}
		err = s.mem.WriteU32(off, uint32(v))
		if err != nil {
			return false, err
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %q (rd, wr, dump, quit)", toks[0])
	}
}

// offset resolves "<module> <reg>" to a BAR0 byte offset.
func (s *spy) offset(module, reg string) (int64, error) {
	base, ok := s.axi[module]
	if !ok {
		return 0, fmt.Errorf("unknown axi module %q", module)
	}
	i, err := strconv.ParseUint(reg, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register index %q: %w", reg, err)
	}
	return int64(base) + 4*int64(i), nil
}
