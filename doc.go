// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// ecdm is the user-space control plane for the ECD-Master, an FPGA-based
// data-acquisition card on PCIe.
//
// The ecd package boots the board, maps its BAR register regions, arms the
// ping-pong DMA streaming engine and dispatches device interrupts delivered
// through the kernel UIO framework. The pci and uio packages hold the
// sysfs/devfs plumbing; cmd/ holds the operational tools.
package ecdm // import "github.com/ecd-daq/ecdm"
