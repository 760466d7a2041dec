// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caen

import (
	"fmt"
	"sync"
)

// Key identifies a digitizer by its connection parameters.
type Key struct {
	Conn  ConnectionType
	Link  int
	Conet int
	VME   uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%v:link=%d:conet=%d:vme=0x%x", k.Conn, k.Link, k.Conet, k.VME)
}

// Registry keeps track of the opened digitizers, so that a digitizer is
// never opened twice.
// A Registry is meant to live as long as the process.
type Registry struct {
	mu   sync.Mutex
	keys map[Key]struct{}
}

// NewRegistry returns a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[Key]struct{})}
}

func (reg *Registry) acquire(k Key) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.keys[k]; dup {
		return fmt.Errorf("caen: digitizer %v already connected", k)
	}
	reg.keys[k] = struct{}{}
	return nil
}

func (reg *Registry) release(k Key) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.keys, k)
}

// Len returns the number of connected digitizers.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.keys)
}
