// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadBitstreamError(t *testing.T) {
	p, _, _ := testProxy(t)
	p.program = func(vivado, tcl string) ([]string, error) {
		return []string{
			"INFO: ok",
			"ERROR: bad bit file",
			"ERROR: second",
		}, nil
	}

	tmp := t.TempDir()
	err := p.Init(testConfig(tmp))
	if err != nil {
		t.Fatalf("could not init proxy: %+v", err)
	}

	if p.LoadMasterBitstream() {
		t.Fatalf("load should have failed")
	}
	if got, want := p.LoadError(), "ERROR: bad bit file"; got != want {
		t.Fatalf("invalid load error: got=%q, want=%q", got, want)
	}

	res, err := os.ReadFile(filepath.Join(tmp, "load_master_bitstream.result"))
	if err != nil {
		t.Fatalf("could not read result file: %+v", err)
	}
	want := "INFO: ok\nERROR: bad bit file\nERROR: second\n"
	if got := string(res); got != want {
		t.Fatalf("invalid result file: got=%q, want=%q", got, want)
	}
}

func TestLoadBitstreamOK(t *testing.T) {
	p, _, _ := testProxy(t)
	p.program = func(vivado, tcl string) ([]string, error) {
		return []string{"INFO: all good"}, nil
	}

	tmp := t.TempDir()
	err := p.Init(testConfig(tmp))
	if err != nil {
		t.Fatalf("could not init proxy: %+v", err)
	}

	if !p.LoadMasterBitstream() {
		t.Fatalf("load failed: %s", p.LoadError())
	}
	if got := p.LoadError(); got != "" {
		t.Fatalf("load error should be empty, got %q", got)
	}

	// the generated TCL script carries the configured lines.
	tcl, err := os.ReadFile(filepath.Join(tmp, "load_master_bitstream.tcl"))
	if err != nil {
		t.Fatalf("could not read tcl script: %+v", err)
	}
	want := "open_hw_manager\nprogram_hw_devices\n"
	if got := string(tcl); got != want {
		t.Fatalf("invalid tcl script: got=%q, want=%q", got, want)
	}
}

func TestLoadBitstreamNoOutput(t *testing.T) {
	p, _, _ := testProxy(t)
	p.program = func(vivado, tcl string) ([]string, error) {
		return nil, nil
	}

	err := p.Init(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("could not init proxy: %+v", err)
	}

	if p.LoadMasterBitstream() {
		t.Fatalf("load should have failed")
	}
	if !strings.Contains(p.LoadError(), "no output") {
		t.Fatalf("invalid load error: %q", p.LoadError())
	}
}

func TestLoadBitstreamBeforeInit(t *testing.T) {
	p, _, _ := testProxy(t)

	if p.LoadMasterBitstream() {
		t.Fatalf("load should have failed")
	}
	if !strings.Contains(p.LoadError(), "not initialized") {
		t.Fatalf("invalid load error: %q", p.LoadError())
	}
}

func TestLoadBitstreamExec(t *testing.T) {
	tmp := t.TempDir()

	// a stand-in programmer whose output exercises the real exec path.
	prog := filepath.Join(tmp, "vivado")
	err := os.WriteFile(prog, []byte(
		"#!/bin/sh\n"+
			"echo \"INFO: opening target\"\n"+
			"echo \"ERROR: bad bit file\"\n"+
			"exit 0\n",
	), 0755)
	if err != nil {
		t.Fatalf("could not write fake programmer: %+v", err)
	}

	p, _, _ := testProxy(t)
	p.program = runProgrammer

	cfg := testConfig(tmp)
	cfg.Vivado = prog
	err = p.Init(cfg)
	if err != nil {
		t.Fatalf("could not init proxy: %+v", err)
	}

	if p.LoadECDBitstream() {
		t.Fatalf("load should have failed")
	}
	if got, want := p.LoadError(), "ERROR: bad bit file"; got != want {
		t.Fatalf("invalid load error: got=%q, want=%q", got, want)
	}

	if _, err := os.Stat(filepath.Join(tmp, "load_ecd_bitstream.result")); err != nil {
		t.Fatalf("missing result file: %+v", err)
	}
}

func TestLoadBitstreamMissingProgrammer(t *testing.T) {
	p, _, _ := testProxy(t)
	p.program = runProgrammer

	tmp := t.TempDir()
	cfg := testConfig(tmp)
	cfg.Vivado = filepath.Join(tmp, "does-not-exist")
	err := p.Init(cfg)
	if err != nil {
		t.Fatalf("could not init proxy: %+v", err)
	}

	if p.LoadMasterBitstream() {
		t.Fatalf("load should have failed")
	}
	if got := p.LoadError(); got == "" {
		t.Fatalf("load error should be populated")
	}
}
