// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uio binds a PCI function's interrupt line through the Linux
// user-space I/O framework. A read of /dev/uioN blocks until the next
// interrupt and returns a 32-bit event count; the function's INTx-disable
// bit must be cleared again before each wait, as the kernel's generic UIO
// PCI handler sets it on every assertion.
package uio // import "github.com/ecd-daq/ecdm/uio"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	classUIO = "/sys/class/uio"
	devRoot  = "/dev"
)

// offset of the high byte of the PCI command word in config space, and the
// INTx-disable bit within it.
const (
	cfgCommandHigh = 5
	bitIntxDisable = 0x04
)

var ErrNotFound = errors.New("uio: no matching uio device")

// Binding ties the /dev/uioN node and the PCI config space of one function.
type Binding struct {
	idx int
	dev *os.File // /dev/uioN, blocking interrupt reads
	cfg *os.File // device config space, INTx re-arm
}

// Bind resolves the uio device whose underlying PCI function is bdf and
// opens its interrupt and config-space nodes.
func Bind(bdf string) (*Binding, error) {
	return bind(classUIO, devRoot, bdf)
}

func bind(class, dev, bdf string) (*Binding, error) {
	ents, err := os.ReadDir(class)
	if err != nil {
		return nil, fmt.Errorf("uio: could not read %q: %w", class, err)
	}

	idx := -1
	name := ""
	for _, ent := range ents {
		target, err := os.Readlink(filepath.Join(class, ent.Name(), "device"))
		if err != nil {
			continue
		}
		if filepath.Base(target) != bdf {
			continue
		}
		n := 0
		_, err = fmt.Sscanf(ent.Name(), "uio%d", &n)
		if err != nil {
			continue
		}
		idx = n
		name = ent.Name()
		break
	}
	if idx < 0 {
		return nil, fmt.Errorf("uio: no uio node for %s: %w", bdf, ErrNotFound)
	}

	b := &Binding{idx: idx}
	b.dev, err = os.OpenFile(filepath.Join(dev, name), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: could not open interrupt node: %w", err)
	}

	b.cfg, err = os.OpenFile(filepath.Join(class, name, "device", "config"), os.O_RDWR, 0)
	if err != nil {
		_ = b.dev.Close()
		return nil, fmt.Errorf("uio: could not open config space: %w", err)
	}
	return b, nil
}

// Index returns the N of the bound /dev/uioN node.
func (b *Binding) Index() int {
	return b.idx
}

// WaitForInterrupt blocks until the next interrupt and returns the kernel's
// running event count.
func (b *Binding) WaitForInterrupt() (uint32, error) {
	var buf [4]byte
	_, err := io.ReadFull(b.dev, buf[:])
	if err != nil {
		return 0, fmt.Errorf("uio: could not read interrupt event: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// EnableInterrupts clears the INTx-disable bit in the function's command
// word. It must be called once before the first wait and again after each
// wait before the next one.
func (b *Binding) EnableInterrupts() error {
	var buf [1]byte
	_, err := b.cfg.ReadAt(buf[:], cfgCommandHigh)
	if err != nil {
		return fmt.Errorf("uio: could not read command word: %w", err)
	}
	buf[0] &^= bitIntxDisable
	_, err = b.cfg.WriteAt(buf[:], cfgCommandHigh)
	if err != nil {
		return fmt.Errorf("uio: could not re-enable INTx: %w", err)
	}
	return nil
}

// Close releases both nodes. Closing the interrupt node aborts a pending
// WaitForInterrupt.
func (b *Binding) Close() error {
	errDev := b.dev.Close()
	errCfg := b.cfg.Close()
	if errDev != nil {
		return fmt.Errorf("uio: could not close interrupt node: %w", errDev)
	}
	if errCfg != nil {
		return fmt.Errorf("uio: could not close config space: %w", errCfg)
	}
	return nil
}
