// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert SBC waveform files to LCIO.
package xcnv // import "github.com/go-lpc/sipm/internal/xcnv"
