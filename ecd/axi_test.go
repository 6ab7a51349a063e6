// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAxiMap(t *testing.T) {
	m, err := parseAxiMap(map[string]uint32{
		"master_revision": 0x0000,
		"irq_manager":     0x0100,
		"restart_manager": 0x0200,
		"data_control":    0x0300,
		"qsfp_status":     0x0400,
	})
	if err != nil {
		t.Fatalf("could not parse axi map: %+v", err)
	}

	want := axiMap{
		amMasterRevision: 0x0000,
		amIrqManager:     0x0100,
		amRestartManager: 0x0200,
		amDataControl:    0x0300,
		amQsfpStatus:     0x0400,
	}
	if !cmp.Equal(m, want) {
		t.Fatalf("invalid axi map:\n%s", cmp.Diff(m, want))
	}
}

func TestParseAxiMapUnknown(t *testing.T) {
	_, err := parseAxiMap(map[string]uint32{
		"master_revision": 0x0000,
		"irq_manager":     0x0100,
		"restart_manager": 0x0200,
		"data_control":    0x0300,
		"qsfp_status":     0x0400,
		"foo":             0x1000,
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %+v", err)
	}
}

func TestParseAxiMapMissing(t *testing.T) {
	_, err := parseAxiMap(map[string]uint32{
		"master_revision": 0x0000,
		"irq_manager":     0x0100,
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %+v", err)
	}
}
