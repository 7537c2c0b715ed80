// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"

	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// registry tracks live authenticated connections with a secondary
// index by device. All methods are safe for concurrent use.
type registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byDevice map[string]map[string]*Conn
}

func newRegistry() *registry {
	return &registry{
		conns:    make(map[string]*Conn),
		byDevice: make(map[string]map[string]*Conn),
	}
}

func (r *registry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	device := r.byDevice[c.DeviceID]
	if device == nil {
		device = make(map[string]*Conn)
		r.byDevice[c.DeviceID] = device
	}
	device[c.ID] = c
}

func (r *registry) remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	device := r.byDevice[c.DeviceID]
	delete(device, connID)
	if len(device) == 0 {
		delete(r.byDevice, c.DeviceID)
	}
}

// device returns every live connection of a device.
func (r *registry) device(deviceID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byDevice[deviceID]))
	for _, c := range r.byDevice[deviceID] {
		conns = append(conns, c)
	}
	return conns
}

// role returns every live connection holding the given role.
func (r *registry) role(role wire.Role) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []*Conn
	for _, c := range r.conns {
		if c.Role == role {
			conns = append(conns, c)
		}
	}
	return conns
}

// disconnectDevice removes and closes every connection of a device,
// returning how many were closed. Removal happens before Close so no
// event routed through the registry can reach the device afterwards.
func (r *registry) disconnectDevice(deviceID string) int {
	r.mu.Lock()
	victims := make([]*Conn, 0, len(r.byDevice[deviceID]))
	for id, c := range r.byDevice[deviceID] {
		victims = append(victims, c)
		delete(r.conns, id)
	}
	delete(r.byDevice, deviceID)
	r.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
	return len(victims)
}

// countByRole returns live connection counts keyed by role name.
func (r *registry) countByRole() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, c := range r.conns {
		counts[string(c.Role)]++
	}
	return counts
}

// all returns every live connection.
func (r *registry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
