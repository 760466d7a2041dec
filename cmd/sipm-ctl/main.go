// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sipm-ctl sends commands to a running sipm-daq.
//
// Without arguments, sipm-ctl starts an interactive shell.
// Otherwise, the arguments form a single command.
//
// Example:
//
//	$> sipm-ctl -addr localhost:8877 voltage 52.5 on
//	$> sipm-ctl
//	sipm> connect
//	ok
//	sipm> status
//	{
//	  "state": {
//	    "top": 1,
//	    "mode": 0
//	  },
//	  [...]
//	}
package main // import "github.com/go-lpc/sipm/cmd/sipm-ctl"

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("sipm-ctl: ")
	log.SetFlags(0)

	addr := flag.String("addr", "localhost:8877", "address of the sipm-daq control server")

	flag.Usage = func() {
		fmt.Printf(`sipm-ctl sends commands to a running sipm-daq.

Usage: sipm-ctl [OPTIONS] [COMMAND [ARGS...]]

Example:

 $> sipm-ctl -addr localhost:8877 voltage 52.5 on
 $> sipm-ctl

Commands:
%s
Options:
`, usage())
		flag.PrintDefaults()
	}

	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("could not dial sipm-daq at %q: %+v", *addr, err)
	}
	defer conn.Close()

	cli := newClient(conn)

	if flag.NArg() > 0 {
		err = cli.exec(os.Stdout, strings.Join(flag.Args(), " "))
		if err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	err = shell(cli)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

var commands = map[string]string{
	"connect":    "connect to the digitizer",
	"disconnect": "disconnect from the digitizer",
	"osc":        "start the oscilloscope mode",
	"endless":    "start an endless acquisition [run-name]",
	"run":        "start a numbered acquisition",
	"calib":      "start a breakdown-voltage calibration",
	"cancel":     "cancel the current acquisition",
	"reset":      "reconfigure the digitizer",
	"close":      "stop sipm-daq",
	"trigger":    "send a software trigger",
	"voltage":    "set the bias voltage: volts [on|off]",
	"status":     "display the status of sipm-daq",
	"help":       "display this help message",
	"quit":       "exit the shell",
}

func usage() string {
	names := make([]string, 0, len(commands))
	for k := range commands {
		names = append(names, k)
	}
	sort.Strings(names)

	o := new(strings.Builder)
	for _, name := range names {
		fmt.Fprintf(o, " %-12s %s\n", name, commands[name])
	}
	return o.String()
}

func shell(cli *client) error {
	ln := liner.NewLiner()
	defer ln.Close()

	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) []string {
		var out []string
		for name := range commands {
			if strings.HasPrefix(name, strings.ToLower(line)) {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out
	})

	hist := filepath.Join(os.TempDir(), ".sipm-ctl-history")
	if f, err := os.Open(hist); err == nil {
		_, _ = ln.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = ln.WriteHistory(f)
	}()

	for {
		line, err := ln.Prompt("sipm> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ln.AppendHistory(line)

		switch strings.ToLower(line) {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Print(usage())
			continue
		}

		err = cli.exec(os.Stdout, line)
		if err != nil {
			fmt.Printf("error: %+v\n", err)
		}
	}
}

type request struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

type reply struct {
	Msg    string          `json:"msg"`
	Status json.RawMessage `json:"status,omitempty"`
}

type voltageArgs struct {
	Volt   float64 `json:"volt"`
	Enable bool    `json:"enable"`
}

type endlessArgs struct {
	RunName string `json:"run_name"`
}

// parse converts a command line into a request.
func parse(line string) (request, error) {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return request{}, fmt.Errorf("empty command")
	}

	req := request{Name: strings.ToLower(toks[0])}
	args := toks[1:]
	switch req.Name {
	case "voltage":
		if len(args) < 1 || len(args) > 2 {
			return req, fmt.Errorf("usage: voltage volts [on|off]")
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return req, fmt.Errorf("could not parse voltage %q: %w", args[0], err)
		}
		enable := true
		if len(args) == 2 {
			switch strings.ToLower(args[1]) {
			case "on", "1", "true":
				enable = true
			case "off", "0", "false":
				enable = false
			default:
				return req, fmt.Errorf("invalid output state %q", args[1])
			}
		}
		req.Args = voltageArgs{Volt: v, Enable: enable}

	case "endless":
		switch len(args) {
		case 0:
		case 1:
			req.Args = endlessArgs{RunName: args[0]}
		default:
			return req, fmt.Errorf("usage: endless [run-name]")
		}

	default:
		if len(args) != 0 {
			return req, fmt.Errorf("command %q takes no argument", req.Name)
		}
	}

	return req, nil
}

type client struct {
	enc *json.Encoder
	dec *json.Decoder
}

func newClient(rw io.ReadWriter) *client {
	return &client{
		enc: json.NewEncoder(rw),
		dec: json.NewDecoder(rw),
	}
}

func (cli *client) send(req request) (reply, error) {
	var rep reply
	err := cli.enc.Encode(req)
	if err != nil {
		return rep, fmt.Errorf("could not send request %q: %w", req.Name, err)
	}
	err = cli.dec.Decode(&rep)
	if err != nil {
		return rep, fmt.Errorf("could not receive reply to %q: %w", req.Name, err)
	}
	return rep, nil
}

func (cli *client) exec(w io.Writer, line string) error {
	req, err := parse(line)
	if err != nil {
		return err
	}

	rep, err := cli.send(req)
	if err != nil {
		return err
	}
	if rep.Msg != "ok" {
		return fmt.Errorf("sipm-daq: %s", rep.Msg)
	}

	if len(rep.Status) == 0 {
		fmt.Fprintf(w, "ok\n")
		return nil
	}

	var o bytes.Buffer
	err = json.Indent(&o, rep.Status, "", "  ")
	if err != nil {
		return fmt.Errorf("could not format status: %w", err)
	}
	o.WriteString("\n")
	_, err = o.WriteTo(w)
	return err
}
