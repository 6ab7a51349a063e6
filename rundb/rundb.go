// Copyright 2024 The ecd-daq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rundb records per-run conditions of the ECD-Master (bitstream
// revision, interrupt totals) in a MySQL database.
package rundb // import "github.com/ecd-daq/ecdm/rundb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to store and retrieve run conditions from
// the ECD database.
type DB struct {
	db   *sql.DB
	name string
}

// Run is one acquisition run record.
type Run struct {
	Number  uint32
	Version string // master bitstream version
	Date    string // master bitstream build date
	IRQs    uint64 // interrupts dispatched during the run
	Started time.Time
}

// Open opens a connection to the ECD database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("rundb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("rundb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("rundb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// LastRunNumber returns the number of the most recent recorded run, or 0
// when the database holds none.
func (db *DB) LastRunNumber(ctx context.Context) (uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(ctx,
		"SELECT number FROM runs ORDER BY number DESC LIMIT 1",
	)
	if err != nil {
		return 0, fmt.Errorf("rundb: could not query last run: %w", err)
	}
	defer rows.Close()

	var number uint32
	if rows.Next() {
		err = rows.Scan(&number)
		if err != nil {
			return 0, fmt.Errorf("rundb: could not scan last run: %w", err)
		}
	}

	err = rows.Err()
	if err != nil {
		return 0, fmt.Errorf("rundb: could not read last run: %w", err)
	}
	return number, nil
}

// AddRun stores one run record.
func (db *DB) AddRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(ctx,
		"INSERT INTO runs (number, version, date, irqs, started) VALUES (?, ?, ?, ?, ?)",
		run.Number, run.Version, run.Date, run.IRQs, run.Started,
	)
	if err != nil {
		return fmt.Errorf("rundb: could not add run %d: %w", run.Number, err)
	}
	return nil
}
