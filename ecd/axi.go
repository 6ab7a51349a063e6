// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"fmt"
)

// axiModule enumerates the RTL modules reachable behind BAR0.
type axiModule int

const (
	amMasterRevision axiModule = iota
	amIrqManager
	amRestartManager
	amDataControl
	amQsfpStatus

	amMax
)

var amNames = [amMax]string{
	amMasterRevision: "master_revision",
	amIrqManager:     "irq_manager",
	amRestartManager: "restart_manager",
	amDataControl:    "data_control",
	amQsfpStatus:     "qsfp_status",
}

// undefAxiAddr marks an axi-map slot with no address programmed.
const undefAxiAddr = 0xFFFFFFFF

// axiMap holds the BAR0 byte-offset of each RTL module.
type axiMap [amMax]uint32

func newAxiMap() axiMap {
	var m axiMap
	for i := range m {
		m[i] = undefAxiAddr
	}
	return m
}

// parseAxiMap builds the module address table from the configuration's
// symbolic names. Every module must be given an address and every name must
// be a known module.
func parseAxiMap(cfg map[string]uint32) (axiMap, error) {
	m := newAxiMap()

	for name, addr := range cfg {
		mod := axiModule(-1)
		for i, known := range amNames {
			if known == name {
				mod = axiModule(i)
				break
			}
		}
		if mod < 0 {
			return m, fmt.Errorf("ecd: unknown axi module %q: %w", name, ErrInvalidConfig)
		}
		m[mod] = addr
	}

	for mod, addr := range m {
		if addr == undefAxiAddr {
			return m, fmt.Errorf(
				"ecd: missing axi address for %q: %w",
				amNames[mod], ErrInvalidConfig,
			)
		}
	}
	return m, nil
}
