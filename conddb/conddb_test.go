// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"context"
	"database/sql/driver"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/sipm/calib"
	"github.com/go-lpc/sipm/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()
}

func TestDSN(t *testing.T) {
	if got, want := dsn("sipm"), "username:s3cr3t@tcp(localhost)/sipm?parseTime=true"; got != want {
		t.Fatalf("invalid DSN: got=%q, want=%q", got, want)
	}
}

var (
	date0 = time.Date(2023, 3, 14, 12, 0, 0, 0, time.UTC)
	date1 = time.Date(2023, 3, 15, 9, 30, 0, 0, time.UTC)
)

func row(res Result) []driver.Value {
	pairs := []byte("null")
	if res.Pairs != nil {
		pairs = []byte(`[{"Volt":52,"Gain":1000,"GainErr":10},{"Volt":53,"Gain":1200,"GainErr":12}]`)
	}
	return []driver.Value{
		int64(res.SiPMID), int64(res.Cell), res.Date, res.Temperature,
		res.VBD, res.VBDErr, res.Slope, res.SlopeErr,
		pairs,
	}
}

var resultNames = strings.Split(strings.ReplaceAll(resultColumns, " ", ""), ",")

func TestSaveBreakdown(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	res := NewResult(3, 50, 25.5, date0, calib.Breakdown{
		VBD: 47, VBDErr: 0.1, Slope: 200, SlopeErr: 2,
		Pairs: []calib.Pair{{Volt: 52, Gain: 1000, GainErr: 10}},
	})

	_ = fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		err := db.SaveBreakdown(ctx, res)
		if err != nil {
			t.Fatalf("could not save breakdown: %+v", err)
		}

		execs := fakedb.Execs()
		if got, want := len(execs), 1; got != want {
			t.Fatalf("invalid number of statements: got=%d, want=%d", got, want)
		}
		if !strings.HasPrefix(execs[0].Query, "INSERT INTO breakdowns") {
			t.Fatalf("invalid statement: %q", execs[0].Query)
		}

		want := []driver.Value{
			int64(3), int64(50), date0, 25.5,
			47.0, 0.1, 200.0, 2.0,
			[]byte(`[{"Volt":52,"Gain":1000,"GainErr":10}]`),
		}
		if got := execs[0].Args; !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid arguments:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})

	_ = fakedb.RunErr(context.Background(), errors.New("boom"), func(ctx context.Context) error {
		err := db.SaveBreakdown(ctx, res)
		if err == nil {
			t.Fatalf("expected an error")
		}
		if got, want := err.Error(), "conddb: could not save breakdown of sipm=3, cell=50: boom"; got != want {
			t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
		}
		return nil
	})
}

func TestLastBreakdown(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := Result{
		SiPMID: 3, Cell: 50, Date: date1, Temperature: 24,
		VBD: 47, VBDErr: 0.1, Slope: 200, SlopeErr: 2,
		Pairs: []calib.Pair{
			{Volt: 52, Gain: 1000, GainErr: 10},
			{Volt: 53, Gain: 1200, GainErr: 12},
		},
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names:  resultNames,
		Values: [][]driver.Value{row(want)},
	}, func(ctx context.Context) error {
		got, err := db.LastBreakdown(ctx, 3, 50)
		if err != nil {
			t.Fatalf("could not retrieve last breakdown: %+v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid last breakdown:\ngot= %#v\nwant=%#v", got, want)
		}
		if got, want := got.OverVoltage(52), 5.0; got != want {
			t.Fatalf("invalid over-voltage: got=%v, want=%v", got, want)
		}
		if got, want := got.Breakdown().VBD, 47.0; got != want {
			t.Fatalf("invalid VBD: got=%v, want=%v", got, want)
		}
		return nil
	})

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: resultNames,
	}, func(ctx context.Context) error {
		_, err := db.LastBreakdown(ctx, 4, 1)
		if !errors.Is(err, ErrNoResult) {
			t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrNoResult)
		}
		return nil
	})
}

func TestBreakdowns(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	want := []Result{
		{SiPMID: 3, Cell: 51, Date: date1, Temperature: 24, VBD: 47.5, Slope: 190},
		{SiPMID: 3, Cell: 50, Date: date0, Temperature: 25, VBD: 47, Slope: 200},
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names:  resultNames,
		Values: [][]driver.Value{row(want[0]), row(want[1])},
	}, func(ctx context.Context) error {
		got, err := db.Breakdowns(ctx, 3)
		if err != nil {
			t.Fatalf("could not retrieve breakdowns: %+v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("invalid breakdowns:\ngot= %#v\nwant=%#v", got, want)
		}
		return nil
	})

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: resultNames,
		Values: [][]driver.Value{
			{int64(3), int64(50), date0, 25.0, 47.0, 0.0, 200.0, 0.0, []byte("{not-json")},
		},
	}, func(ctx context.Context) error {
		_, err := db.Breakdowns(ctx, 3)
		if err == nil {
			t.Fatalf("expected an error")
		}
		return nil
	})
}

func TestQueryContext(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open conddb: %+v", err)
	}
	defer db.Close()

	const query = "SELECT vbd FROM breakdowns ORDER BY datetime DESC LIMIT 1"

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"vbd"},
		Values: [][]driver.Value{
			{47.25},
		},
	}, func(ctx context.Context) error {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			t.Fatalf("could not execute query %q: %+v", query, err)
		}
		defer rows.Close()

		var vbd float64
		for rows.Next() {
			err = rows.Scan(&vbd)
			if err != nil {
				t.Fatalf("could not scan vbd: %+v", err)
			}
		}

		if err := rows.Err(); err != nil {
			t.Fatalf("could not scan vbd: %+v", err)
		}

		if got, want := vbd, 47.25; got != want {
			t.Fatalf("invalid vbd: got=%v, want=%v", got, want)
		}
		return nil
	})
}
