// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !caen

package caen

import "fmt"

// NewSDK returns the SDK able to drive the provided model.
//
// Without the "caen" build tag, only the DEBUG model is available.
func NewSDK(model Model, opts ...EmuOption) (SDK, error) {
	if model == DEBUG {
		return NewEmulator(model, opts...), nil
	}
	return nil, fmt.Errorf("caen: model %v requires the vendor library (build with -tags=caen)", model)
}
