// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ecd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LoadMasterBitstream programs the master FPGA through the external JTAG
// programmer. It reports whether the load succeeded; on failure LoadError
// carries the first error line of the programmer output.
func (p *Proxy) LoadMasterBitstream() bool {
	return p.loadBitstream("master", p.cfg.MasterProgrammingScript)
}

// LoadECDBitstream programs the ECD FPGA through the external JTAG
// programmer.
func (p *Proxy) LoadECDBitstream() bool {
	return p.loadBitstream("ecd", p.cfg.ECDProgrammingScript)
}

// LoadError returns the error message of the last failed bitstream load,
// or "" if the last load succeeded.
func (p *Proxy) LoadError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadErr
}

func (p *Proxy) loadBitstream(kind string, script []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state < stateInit {
		p.loadErr = "ecd: proxy not initialized"
		return false
	}
	p.loadErr = ""

	tcl := filepath.Join(p.cfg.TmpDir, fmt.Sprintf("load_%s_bitstream.tcl", kind))
	res := filepath.Join(p.cfg.TmpDir, fmt.Sprintf("load_%s_bitstream.result", kind))

	err := writeLines(tcl, script)
	if err != nil {
		p.loadErr = fmt.Sprintf("could not write %s: %+v", tcl, err)
		return false
	}

	out, err := p.program(p.cfg.Vivado, tcl)
	if err != nil {
		p.loadErr = fmt.Sprintf("could not run %s: %+v", p.cfg.Vivado, err)
		return false
	}

	// keep the programmer output around for later inspection.
	err = writeLines(res, out)
	if err != nil {
		p.msg.Printf("could not write %s: %+v", res, err)
	}

	if len(out) == 0 {
		p.loadErr = fmt.Sprintf("%s produced no output: programmer not found?", p.cfg.Vivado)
		return false
	}

	// the programmer's exit status is not trustworthy; the text scan is
	// authoritative.
	for _, line := range out {
		toks := strings.Fields(line)
		if len(toks) > 0 && toks[0] == "ERROR:" && p.loadErr == "" {
			p.loadErr = line
		}
	}
	return p.loadErr == ""
}

// runProgrammer invokes the JTAG programmer in batch mode and captures its
// combined output, one line per element.
func runProgrammer(vivado, tcl string) ([]string, error) {
	cmd := exec.Command(vivado, "-nojournal", "-nolog", "-mode", "batch", "-source", tcl)
	out, err := cmd.CombinedOutput()
	if len(out) == 0 && err != nil {
		// the programmer could not be started, or it failed without
		// printing anything.
		return nil, err
	}

	txt := strings.ReplaceAll(string(out), "\r", "")
	txt = strings.TrimRight(txt, "\n")
	if txt == "" {
		return nil, nil
	}
	return strings.Split(txt, "\n"), nil
}

func writeLines(fname string, lines []string) error {
	f, err := os.Create(fname)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, err = fmt.Fprintf(f, "%s\n", line)
		if err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
