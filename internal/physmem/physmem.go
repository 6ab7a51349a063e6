// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package physmem projects a reserved physical-memory window into the
// process through /dev/mem, for use as DMA ping-pong buffers. The region
// must have been kept away from the kernel allocator at boot; the package
// does not reserve anything itself.
package physmem // import "github.com/ecd-daq/ecdm/internal/physmem"

import (
	"fmt"
	"os"

	"github.com/ecd-daq/ecdm/internal/mmap"
	"golang.org/x/sys/unix"
)

// BlockSize is the DMA transfer granularity of the streaming engine.
const BlockSize = 2048

// Region is a mapped window of reserved host DRAM.
type Region struct {
	fd   *os.File
	addr uint64
	mem  *mmap.Handle
}

// Map opens devmem (normally /dev/mem) and maps size bytes starting at the
// physical address addr.
func Map(devmem string, addr uint64, size int64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("physmem: invalid region size %d", size)
	}
	if addr%BlockSize != 0 {
		return nil, fmt.Errorf("physmem: region 0x%x not %d-byte aligned", addr, BlockSize)
	}

	f, err := os.OpenFile(devmem, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("physmem: could not open %q: %w", devmem, err)
	}

	data, err := unix.Mmap(
		int(f.Fd()), int64(addr), int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("physmem: could not mmap 0x%x+0x%x: %w", addr, size, err)
	}

	return &Region{
		fd:   f,
		addr: addr,
		mem:  mmap.HandleFrom(data),
	}, nil
}

// PhysAddr returns the physical base address of the region.
func (r *Region) PhysAddr() uint64 {
	return r.addr
}

// Size returns the mapped length in bytes.
func (r *Region) Size() int64 {
	return int64(r.mem.Len())
}

// PingPong carves the region into two equally-sized buffers of blocks
// 2048-byte blocks each and returns their physical base addresses.
func (r *Region) PingPong(blocks uint32) (addr0, addr1 uint64, err error) {
	if blocks < 1 {
		return 0, 0, fmt.Errorf("physmem: invalid block count %d", blocks)
	}
	need := 2 * int64(blocks) * BlockSize
	if need > r.Size() {
		return 0, 0, fmt.Errorf(
			"physmem: region too small for 2x%d blocks: have %d bytes, need %d",
			blocks, r.Size(), need,
		)
	}
	half := uint64(blocks) * BlockSize
	return r.addr, r.addr + half, nil
}

// ReadAt implements io.ReaderAt over the mapped window.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	return r.mem.ReadAt(p, off)
}

// WriteAt implements io.WriterAt over the mapped window.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	return r.mem.WriteAt(p, off)
}

// Close unmaps the window.
func (r *Region) Close() error {
	errMem := r.mem.Close()
	errFd := r.fd.Close()
	if errMem != nil {
		return fmt.Errorf("physmem: could not unmap region: %w", errMem)
	}
	if errFd != nil {
		return fmt.Errorf("physmem: could not close devmem: %w", errFd)
	}
	return nil
}
