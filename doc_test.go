// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sipm

import (
	"runtime/debug"
	"testing"
)

func TestVersion(t *testing.T) {
	for _, tc := range []struct {
		name string
		deps []*debug.Module
		vers string
		sum  string
	}{
		{
			name: "no-dep",
		},
		{
			name: "other",
			deps: []*debug.Module{{Path: "github.com/go-lpc/mim", Version: "v0.3.0"}},
		},
		{
			name: "tagged",
			deps: []*debug.Module{{Path: "github.com/go-lpc/sipm", Version: "v0.1.0", Sum: "h1:abc"}},
			vers: "v0.1.0",
			sum:  "h1:abc",
		},
		{
			name: "replace-version",
			deps: []*debug.Module{{
				Path: "github.com/go-lpc/sipm", Version: "v0.1.0",
				Replace: &debug.Module{Version: "v0.1.1", Sum: "h1:def"},
			}},
			vers: "v0.1.1",
			sum:  "h1:def",
		},
		{
			name: "replace-path",
			deps: []*debug.Module{{
				Path: "github.com/go-lpc/sipm", Version: "v0.1.0",
				Replace: &debug.Module{Path: "../sipm"},
			}},
			vers: "../sipm",
		},
		{
			name: "replace-both",
			deps: []*debug.Module{{
				Path: "github.com/go-lpc/sipm", Version: "v0.1.0",
				Replace: &debug.Module{Path: "example.com/sipm", Version: "v0.2.0"},
			}},
			vers: "example.com/sipm v0.2.0",
		},
		{
			name: "replace-empty",
			deps: []*debug.Module{{
				Path: "github.com/go-lpc/sipm", Version: "v0.1.0",
				Replace: &debug.Module{},
			}},
			vers: "v0.1.0*",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vers, sum := versionOf(&debug.BuildInfo{Deps: tc.deps})
			if vers != tc.vers || sum != tc.sum {
				t.Fatalf("invalid version: got=(%q, %q), want=(%q, %q)", vers, sum, tc.vers, tc.sum)
			}
		})
	}

	if vers, sum := versionOf(nil); vers != "" || sum != "" {
		t.Fatalf("invalid nil version: got=(%q, %q)", vers, sum)
	}

	_, _ = Version()
}
