// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFirstError(t *testing.T) {
	tmp := t.TempDir()

	for _, tc := range []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "clean",
			content: "INFO: opening target\nINFO: done\n",
			want:    "",
		},
		{
			name:    "error",
			content: "INFO: opening target\nERROR: bad bit file\nERROR: second\n",
			want:    "ERROR: bad bit file",
		},
		{
			name:    "error-not-leading-token",
			content: "some ERROR: not at line start\n",
			want:    "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(tmp, tc.name+".result")
			err := os.WriteFile(fname, []byte(tc.content), 0644)
			if err != nil {
				t.Fatalf("could not write result file: %+v", err)
			}

			got, err := firstError(fname)
			if err != nil {
				t.Fatalf("could not scan result file: %+v", err)
			}
			if got != tc.want {
				t.Fatalf("invalid first error: got=%q, want=%q", got, tc.want)
			}
		})
	}
}

func TestServerLoad(t *testing.T) {
	srv, err := newServer(":0", t.TempDir(), 1*time.Hour, false, 1*time.Second)
	if err != nil {
		t.Fatalf("could not create server: %+v", err)
	}
	defer srv.conn.Close()
	go srv.run()

	conn, err := net.Dial("tcp", srv.conn.Addr().String())
	if err != nil {
		t.Fatalf("could not dial server: %+v", err)
	}
	defer conn.Close()

	err = json.NewEncoder(conn).Encode(Request{
		Name: "load",
		Args: []string{"/bin/echo", "fake.tcl"},
	})
	if err != nil {
		t.Fatalf("could not send load command: %+v", err)
	}

	var rep Reply
	err = json.NewDecoder(conn).Decode(&rep)
	if err != nil {
		t.Fatalf("could not decode reply: %+v", err)
	}
	if rep.Err != "" {
		t.Fatalf("load failed: %s", rep.Err)
	}
	if got, want := rep.Msg, "ok"; got != want {
		t.Fatalf("invalid reply: got=%q, want=%q", got, want)
	}

	err = json.NewEncoder(conn).Encode(Request{Name: "bogus"})
	if err != nil {
		t.Fatalf("could not send bogus command: %+v", err)
	}
	err = json.NewDecoder(conn).Decode(&rep)
	if err != nil {
		t.Fatalf("could not decode reply: %+v", err)
	}
	if rep.Err == "" {
		t.Fatalf("expected an error for an unknown command")
	}
}
