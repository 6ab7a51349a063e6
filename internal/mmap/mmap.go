// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap wraps memory-mapped regions used for device register windows
// and reserved DMA memory.
package mmap // import "github.com/ecd-daq/ecdm/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

type Handle struct {
	data []byte
}

func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	return unix.Munmap(data)
}

// Len returns the length of the underlying memory-mapped region.
func (h *Handle) Len() int {
	return len(h.data)
}

// Bytes returns the mapped region.
func (h *Handle) Bytes() []byte {
	return h.data
}

// ReadU32 performs one 32-bit load from the mapped region.
// The load is single-copy atomic: it may not be torn, fused with a
// neighbouring access or elided, which is what MMIO device registers
// require.
func (h *Handle) ReadU32(off int64) (uint32, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off+4 {
		return 0, fmt.Errorf("mmap: invalid ReadU32 offset %d", off)
	}
	if off%4 != 0 {
		return 0, fmt.Errorf("mmap: misaligned ReadU32 offset %d", off)
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.data[off]))), nil
}

// WriteU32 performs one 32-bit store to the mapped region, with the same
// single-copy atomicity as ReadU32.
func (h *Handle) WriteU32(off int64, v uint32) error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return errClosed
	}
	if off < 0 || int64(len(h.data)) < off+4 {
		return fmt.Errorf("mmap: invalid WriteU32 offset %d", off)
	}
	if off%4 != 0 {
		return fmt.Errorf("mmap: misaligned WriteU32 offset %d", off)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&h.data[off])), v)
	return nil
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
