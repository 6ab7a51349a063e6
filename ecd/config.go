// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"log"
)

// Config gathers the settings the proxy needs to bring the board up. The
// proxy takes the value fully populated; how it is produced (file, flags,
// database) is the embedding application's concern.
type Config struct {
	// TmpDir is the working directory for JTAG programmer artifacts
	// (generated TCL scripts and captured output).
	TmpDir string `mapstructure:"tmp_dir"`

	// Vivado is the path of the external JTAG programmer executable.
	Vivado string `mapstructure:"vivado"`

	// PCIDevice identifies the board as "vvvv:dddd" lowercase hex.
	PCIDevice string `mapstructure:"pci_device"`

	// MasterProgrammingScript and ECDProgrammingScript are the TCL line
	// sequences handed to the programmer for each bitstream kind.
	MasterProgrammingScript []string `mapstructure:"master_programming_script"`
	ECDProgrammingScript    []string `mapstructure:"ecd_programming_script"`

	// AxiMap gives the BAR0 byte-offset of each RTL module, keyed by
	// {master_revision, irq_manager, restart_manager, data_control,
	// qsfp_status}.
	AxiMap map[string]uint32 `mapstructure:"axi_map"`

	// IRQCount is the number of interrupt sources dispatched to handlers.
	// Pending bits at or above it are cleared but not dispatched.
	// Zero means all of them.
	IRQCount int `mapstructure:"irq_count"`
}

// Option configures a Proxy at construction time.
type Option func(p *Proxy)

// WithHandler installs the interrupt handler invoked by the dispatcher.
func WithHandler(h Handler) Option {
	return func(p *Proxy) {
		p.handler = h
	}
}

// WithLogger redirects the proxy's log messages.
func WithLogger(msg *log.Logger) Option {
	return func(p *Proxy) {
		p.msg = msg
	}
}
