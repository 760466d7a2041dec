// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb stores the outcome of SiPM calibrations in the
// conditions database.
package conddb // import "github.com/go-lpc/sipm/conddb"

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

// ErrNoResult is returned when no calibration result matches a query.
var ErrNoResult = errors.New("conddb: no calibration result")

// DB exposes convenience methods to store and retrieve calibration
// results from the SiPM database.
type DB struct {
	db   *sql.DB
	name string // name of the SiPM database
}

// Open opens a connection to the SiPM database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

const resultColumns = "sipm_id, cell, datetime, temperature, vbd, vbd_err, slope, slope_err, pairs"

// SaveBreakdown stores a calibration result.
func (db *DB) SaveBreakdown(ctx context.Context, res Result) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pairs, err := json.Marshal(res.Pairs)
	if err != nil {
		return fmt.Errorf("conddb: could not encode gain-voltage pairs: %w", err)
	}

	_, err = db.db.ExecContext(
		ctx,
		"INSERT INTO breakdowns ("+resultColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		res.SiPMID, res.Cell, res.Date.UTC(), res.Temperature,
		res.VBD, res.VBDErr, res.Slope, res.SlopeErr,
		pairs,
	)
	if err != nil {
		return fmt.Errorf(
			"conddb: could not save breakdown of sipm=%d, cell=%d: %w",
			res.SiPMID, res.Cell, err,
		)
	}

	return nil
}

// LastBreakdown returns the most recent calibration result of a SiPM cell.
func (db *DB) LastBreakdown(ctx context.Context, sipm, cell int) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT "+resultColumns+" FROM breakdowns WHERE (sipm_id=? AND cell=?) ORDER BY datetime DESC LIMIT 1",
		sipm, cell,
	)
	if err != nil {
		return Result{}, fmt.Errorf("conddb: could not query last breakdown: %w", err)
	}
	defer rows.Close()

	res, err := scanResults(ctx, rows)
	if err != nil {
		return Result{}, fmt.Errorf("conddb: could not retrieve last breakdown: %w", err)
	}
	if len(res) == 0 {
		return Result{}, fmt.Errorf("conddb: sipm=%d, cell=%d: %w", sipm, cell, ErrNoResult)
	}

	return res[0], nil
}

// Breakdowns returns the calibration results of all the cells of a SiPM,
// most recent first.
func (db *DB) Breakdowns(ctx context.Context, sipm int) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT "+resultColumns+" FROM breakdowns WHERE sipm_id=? ORDER BY datetime DESC",
		sipm,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query breakdowns: %w", err)
	}
	defer rows.Close()

	res, err := scanResults(ctx, rows)
	if err != nil {
		return res, fmt.Errorf("conddb: could not retrieve breakdowns: %w", err)
	}

	return res, nil
}

func scanResults(ctx context.Context, rows *sql.Rows) ([]Result, error) {
	var (
		out []Result
		i   = 0
	)
	for rows.Next() {
		var (
			res   Result
			pairs []byte
		)
		err := rows.Scan(
			&res.SiPMID, &res.Cell, &res.Date, &res.Temperature,
			&res.VBD, &res.VBDErr, &res.Slope, &res.SlopeErr,
			&pairs,
		)
		if err != nil {
			return out, fmt.Errorf("could not scan row %d: %w", i, err)
		}
		if len(pairs) > 0 {
			err = json.Unmarshal(pairs, &res.Pairs)
			if err != nil {
				return out, fmt.Errorf("could not decode gain-voltage pairs of row %d: %w", i, err)
			}
		}
		i++
		out = append(out, res)
	}

	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("could not scan db: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("context error: %w", err)
	}

	return out, nil
}
