// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ecd-ctl supervises the external JTAG programmer on the bench
// host: it runs programming jobs on request, watches the captured result
// files for errors and raises mail alerts when a load goes bad.
package main // import "github.com/ecd-daq/ecdm/cmd/ecd-ctl"

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		addr    = flag.String("addr", ":8867", "[ip]:port to listen on")
		dir     = flag.String("dir", "/tmp/ecd", "programmer artifacts directory to monitor")
		freq    = flag.Duration("freq", 30*time.Second, "probing interval")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring of programming jobs")
		monFreq = flag.Duration("pmon-freq", 1*time.Second, "pmon sampling frequency")
	)

	flag.Parse()

	log.SetPrefix("ecd-ctl: ")
	log.SetFlags(0)

	run(*addr, *dir, *freq, *doMon, *monFreq)
}

func run(addr, dir string, freq time.Duration, doMon bool, monFreq time.Duration) {
	srv, err := newServer(addr, dir, freq, doMon, monFreq)
	if err != nil {
		log.Fatalf("could not create server: %+v", err)
	}
	log.Printf("running ecd-ctl server on %q...", addr)
	srv.run()
}

type server struct {
	conn net.Listener
	cmd  *exec.Cmd
	buf  *bytes.Buffer

	dir     string
	freq    time.Duration
	doMon   bool
	monFreq time.Duration
	alerts  map[string]int // number of alerts raised per result file
}

func newServer(addr, dir string, freq time.Duration, doMon bool, monFreq time.Duration) (*server, error) {
	conn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen on %q: %w", addr, err)
	}
	return &server{
		conn:    conn,
		buf:     new(bytes.Buffer),
		dir:     dir,
		freq:    freq,
		doMon:   doMon,
		monFreq: monFreq,
		alerts:  make(map[string]int),
	}, nil
}

func (srv *server) run() {
	defer srv.conn.Close()

	quit := make(chan int)
	defer close(quit)
	go srv.monitor(quit)

	for {
		conn, err := srv.conn.Accept()
		if err != nil {
			log.Printf("could not accept connection: %+v", err)
			continue
		}
		go srv.handle(conn)
	}
}

type Request struct {
	Name string   `json:"cmd"`
	Args []string `json:"args"`
}

type Reply struct {
	Msg string `json:"msg"`
	Err string `json:"err,omitempty"`
}

func (srv *server) handle(conn net.Conn) {
	defer conn.Close()

	for {
		var (
			req Request
			err = json.NewDecoder(conn).Decode(&req)
		)
		if err != nil {
			if err != io.EOF {
				log.Printf("could not decode command: %+v", err)
			}
			return
		}
		switch req.Name {
		case "load":
			if len(req.Args) != 2 {
				_ = json.NewEncoder(conn).Encode(Reply{Err: "usage: load <vivado> <tcl-script>"})
				continue
			}
			log.Printf("starting programming job... %v", req.Args)
			srv.buf.Reset()
			srv.cmd = exec.Command(req.Args[0],
				"-nojournal", "-nolog", "-mode", "batch", "-source", req.Args[1],
			)
			srv.cmd.Stdout = io.MultiWriter(os.Stdout, srv.buf)
			srv.cmd.Stderr = io.MultiWriter(os.Stderr, srv.buf)
			err = srv.cmd.Start()
			if err != nil {
				log.Printf("could not start %s: %+v", strings.Join(req.Args, " "), err)
				_ = json.NewEncoder(conn).Encode(Reply{Err: err.Error()})
				continue
			}
			if srv.doMon {
				srv.pmon(srv.cmd.Process.Pid)
			}
			go func() { _ = srv.cmd.Wait() }()
			_ = json.NewEncoder(conn).Encode(Reply{Msg: "ok"})
			log.Printf("starting programming job... [done]")

		case "stop":
			log.Printf("stopping programming job...")
			if srv.cmd == nil || srv.cmd.Process == nil {
				_ = json.NewEncoder(conn).Encode(Reply{Err: "no job running"})
				continue
			}
			err = srv.cmd.Process.Signal(os.Interrupt)
			if err != nil {
				log.Printf("could not stop job: %+v", err)
				_ = json.NewEncoder(conn).Encode(Reply{Err: err.Error()})
				continue
			}
			_ = json.NewEncoder(conn).Encode(Reply{Msg: "ok"})
			log.Printf("stopping programming job... [done]")

		default:
			log.Printf("unknown command %q", req.Name)
			_ = json.NewEncoder(conn).Encode(Reply{Err: "unknown command"})
		}
	}
}

func (srv *server) pmon(pid int) {
	p, err := pmon.Monitor(pid)
	if err != nil {
		log.Printf("could not start monitoring pid=%d: %+v", pid, err)
		return
	}
	f, err := os.Create(filepath.Join(srv.dir, fmt.Sprintf("job-%d-pmon.log", pid)))
	if err != nil {
		log.Printf("could not create pmon log file: %+v", err)
		return
	}
	p.W = f
	p.Freq = srv.monFreq

	go func() {
		defer f.Close()
		log.Printf("run pmon pid=%d...", pid)
		err := p.Run()
		if err != nil {
			log.Printf("could not monitor pid=%d: %+v", pid, err)
		}
	}()
}

// monitor periodically scans the captured programmer output files for
// error lines.
func (srv *server) monitor(quit chan int) {
	tick := time.NewTicker(srv.freq)
	defer tick.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			glob := filepath.Join(srv.dir, "load_*_bitstream.result")
			files, err := filepath.Glob(glob)
			if err != nil {
				log.Printf("could not glob %q: %+v", glob, err)
				continue
			}
			for _, fname := range files {
				line, err := firstError(fname)
				if err != nil {
					log.Printf("could not scan %q: %+v", fname, err)
					continue
				}
				if line == "" {
					continue
				}
				srv.alert(fname, line)
			}
		}
	}
}

// firstError returns the first line of fname whose leading token is
// "ERROR:", or "" when the load went through clean.
func firstError(fname string) (string, error) {
	f, err := os.Open(fname)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	for scan.Scan() {
		toks := strings.Fields(scan.Text())
		if len(toks) > 0 && toks[0] == "ERROR:" {
			return scan.Text(), nil
		}
	}
	return "", scan.Err()
}

func (srv *server) alert(fname, line string) {
	log.Printf("programming error in %q: %s", fname, line)
	srv.alerts[fname]++

	const maxAlerts = 5
	if srv.alerts[fname] < maxAlerts {
		srv.alertMail(fname, line)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func (srv *server) alertMail(fname, line string) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[ecd-ctl] bitstream load failed: %q", fname))
	msg.SetBody("text/plain", fmt.Sprintf("file: %q\nerror: %s\nfreq: %v",
		fname, line, srv.freq,
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Printf("could not parse integer %q: %+v", s, err)
		return 0
	}
	return v
}
