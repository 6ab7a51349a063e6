// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ecd-svc exposes one ECD-Master board as a TDAQ server. The board
// configuration file is the single positional argument.
package main // import "github.com/ecd-daq/ecdm/cmd/ecd-svc"

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ecd-daq/ecdm/ecd"
	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/spf13/viper"
)

func main() {
	cmd := flags.New()

	log.SetPrefix("ecd-svc: ")
	log.SetFlags(0)

	if len(cmd.Args) != 1 {
		log.Fatalf("missing board configuration file")
	}

	cfg, err := loadConfig(cmd.Args[0])
	if err != nil {
		log.Fatalf("could not load board configuration: %+v", err)
	}

	dev := ecd.NewServer(cfg)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/ecd-irq", dev.IRQ)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func loadConfig(fname string) (ecd.ServerConfig, error) {
	var cfg ecd.ServerConfig

	v := viper.New()
	v.SetConfigFile(fname)
	err := v.ReadInConfig()
	if err != nil {
		return cfg, fmt.Errorf("could not read config %q: %w", fname, err)
	}
	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode config %q: %w", fname, err)
	}
	return cfg, nil
}
