// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pci locates the ECD-Master PCI function through sysfs, drives its
// hot-reset and maps its BAR resource regions into user-space.
package pci // import "github.com/ecd-daq/ecdm/pci"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ecd-daq/ecdm/internal/mmap"
	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"
)

const sysfsDevices = "/sys/bus/pci/devices"

// nBARs is the number of resource files a PCI function may expose.
// 64-bit BARs consume two indices and sysfs only materializes the even one.
const nBARs = 6

var (
	ErrNotFound   = errors.New("pci: device not found")
	ErrPermission = errors.New("pci: permission denied")
	ErrMmap       = errors.New("pci: could not map resource")
	ErrLink       = errors.New("pci: device did not come back from reset")
)

// ID identifies a PCI function by its vendor and device codes.
type ID struct {
	Vendor uint16
	Device uint16
}

// ParseID parses the canonical "vvvv:dddd" lowercase-hex form.
func ParseID(s string) (ID, error) {
	var id ID
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return id, fmt.Errorf("pci: invalid device id %q", s)
	}
	ven, err := strconv.ParseUint(s[:i], 16, 16)
	if err != nil {
		return id, fmt.Errorf("pci: invalid vendor in device id %q: %w", s, err)
	}
	dev, err := strconv.ParseUint(s[i+1:], 16, 16)
	if err != nil {
		return id, fmt.Errorf("pci: invalid device in device id %q: %w", s, err)
	}
	id.Vendor = uint16(ven)
	id.Device = uint16(dev)
	return id, nil
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// Find returns the bus address ("dddd:bb:dd.f") of the single PCI function
// matching id. Zero matches is ErrNotFound; more than one is an error, as the
// control plane does not arbitrate between boards.
func Find(id ID) (string, error) {
	return find(sysfsDevices, id)
}

func find(root string, id ID) (string, error) {
	ents, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("pci: could not read %q: %w", root, err)
	}

	var bdfs []string
	for _, ent := range ents {
		dir := filepath.Join(root, ent.Name())
		ven, err := readHex16(filepath.Join(dir, "vendor"))
		if err != nil {
			continue
		}
		dev, err := readHex16(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}
		if ven == id.Vendor && dev == id.Device {
			bdfs = append(bdfs, ent.Name())
		}
	}

	switch len(bdfs) {
	case 0:
		return "", fmt.Errorf("pci: no function matches %v: %w", id, ErrNotFound)
	case 1:
		return bdfs[0], nil
	default:
		return "", fmt.Errorf("pci: %v matches %d functions, want exactly 1", id, len(bdfs))
	}
}

func readHex16(fname string) (uint16, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return 0, err
	}
	txt := strings.TrimSpace(string(raw))
	txt = strings.TrimPrefix(txt, "0x")
	v, err := strconv.ParseUint(txt, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("pci: could not parse %q: %w", fname, err)
	}
	return uint16(v), nil
}

// bridge-control word in PCI config space and its secondary-bus-reset bit.
const (
	cfgBridgeControl = 0x3e
	bitSecondaryRst  = 0x40
)

// HotReset pulses the secondary-bus-reset bit of the parent bridge of the
// function matching id, then waits for the function to become readable again.
// A freshly programmed bitstream needs this link retrain before its BARs
// decode.
func HotReset(id ID) error {
	return hotReset(sysfsDevices, id, 100*time.Millisecond, 2*time.Second)
}

func hotReset(root string, id ID, settle, timeout time.Duration) error {
	bdf, err := find(root, id)
	if err != nil {
		return err
	}

	dev, err := filepath.EvalSymlinks(filepath.Join(root, bdf))
	if err != nil {
		return fmt.Errorf("pci: could not resolve device path for %s: %w", bdf, err)
	}
	cfgname := filepath.Join(filepath.Dir(dev), "config")

	cfg, err := os.OpenFile(cfgname, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("pci: could not open bridge config %q: %w", cfgname, ErrPermission)
		}
		return fmt.Errorf("pci: could not open bridge config %q: %w", cfgname, err)
	}
	defer cfg.Close()

	var buf [2]byte
	_, err = cfg.ReadAt(buf[:], cfgBridgeControl)
	if err != nil {
		return fmt.Errorf("pci: could not read bridge control: %w", err)
	}

	buf[0] |= bitSecondaryRst
	_, err = cfg.WriteAt(buf[:], cfgBridgeControl)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("pci: could not assert secondary bus reset: %w", ErrPermission)
		}
		return fmt.Errorf("pci: could not assert secondary bus reset: %w", err)
	}
	time.Sleep(settle)

	buf[0] &^= bitSecondaryRst
	_, err = cfg.WriteAt(buf[:], cfgBridgeControl)
	if err != nil {
		return fmt.Errorf("pci: could not release secondary bus reset: %w", err)
	}
	time.Sleep(settle)

	// wait for the function to re-enumerate.
	bkf := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    250 * time.Millisecond,
		Factor: 2,
		Jitter: false,
	}
	deadline := time.Now().Add(timeout)
	for {
		ven, err := readHex16(filepath.Join(root, bdf, "vendor"))
		if err == nil && ven == id.Vendor {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pci: %s absent %v after reset: %w", bdf, timeout, ErrLink)
		}
		time.Sleep(bkf.Duration())
	}
}

// Region is one BAR resource of an open device. Mem is nil when the resource
// exists but is not mappable read-write.
type Region struct {
	Index    int
	Size     int64
	Writable bool
	Mem      *mmap.Handle
}

// Device is an open PCI function with its writable BARs mapped.
type Device struct {
	BDF     string
	regions []Region
}

// Open locates the function matching id and maps every writable resource
// file for its full size.
func Open(id ID) (*Device, error) {
	return open(sysfsDevices, id)
}

func open(root string, id ID) (*Device, error) {
	bdf, err := find(root, id)
	if err != nil {
		return nil, err
	}

	dev := &Device{BDF: bdf}
	for i := 0; i < nBARs; i++ {
		fname := filepath.Join(root, bdf, fmt.Sprintf("resource%d", i))
		fi, err := os.Stat(fname)
		if err != nil {
			continue
		}
		reg := Region{
			Index:    i,
			Size:     fi.Size(),
			Writable: fi.Mode().Perm()&0200 != 0,
		}
		if reg.Writable {
			reg.Mem, err = mapResource(fname, fi.Size())
			if err != nil {
				_ = dev.Close()
				return nil, err
			}
		}
		dev.regions = append(dev.regions, reg)
	}

	if len(dev.regions) == 0 {
		return nil, fmt.Errorf("pci: %s exposes no resource regions: %w", bdf, ErrMmap)
	}
	return dev, nil
}

func mapResource(fname string, size int64) (*mmap.Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("pci: could not open %q: %w", fname, ErrPermission)
		}
		return nil, fmt.Errorf("pci: could not open %q: %w", fname, err)
	}
	defer f.Close()

	data, err := unix.Mmap(
		int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("pci: could not mmap %q: %w (%v)", fname, ErrMmap, err)
	}
	return mmap.HandleFrom(data), nil
}

// Regions returns the enumerated BAR resources.
func (dev *Device) Regions() []Region {
	return dev.regions
}

// BAR returns the resource region with the given index.
func (dev *Device) BAR(i int) (Region, error) {
	for _, reg := range dev.regions {
		if reg.Index == i {
			return reg, nil
		}
	}
	return Region{}, fmt.Errorf("pci: %s has no BAR %d: %w", dev.BDF, i, ErrNotFound)
}

// Close unmaps every mapped region.
func (dev *Device) Close() error {
	var first error
	for _, reg := range dev.regions {
		if reg.Mem == nil {
			continue
		}
		err := reg.Mem.Close()
		if err != nil && first == nil {
			first = err
		}
	}
	dev.regions = nil
	if first != nil {
		return fmt.Errorf("pci: could not unmap %s: %w", dev.BDF, first)
	}
	return nil
}
