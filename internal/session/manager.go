// Package session implements DeviceSession, ScopeSession, and the
// SessionManager that creates and routes to them (spec §4.4/§4.5/§4 control
// flow: "Scanner→Registry→SessionManager creates/reuses Sessions").
package session

import (
	"context"
	"log"
	"sync"

	"labctl/internal/driver"
	"labctl/internal/registry"
)

// DeviceListEntry is one row of the device-list fan-out (spec §9 Open
// Question decision: device-list events only, field-level updates require
// an explicit per-device subscription).
type DeviceListEntry struct {
	Info             driver.Info
	ConnectionStatus ConnectionStatus
}

// Manager creates DeviceSession/ScopeSession instances as the Scanner
// discovers live drivers, never destroying a session merely because its
// driver disappeared (spec §4: sessions park as `disconnected` and wait for
// reconnect). It is the single routing point clients use to reach sessions.
type Manager struct {
	ctx context.Context

	mu            sync.Mutex
	deviceSess    map[string]*DeviceSession
	scopeSess     map[string]*ScopeSession
	listWatchers  map[string]*subscriber
}

// NewManager constructs a Manager bound to ctx; all sessions it creates
// share this context and stop when it's cancelled.
func NewManager(ctx context.Context) *Manager {
	return &Manager{
		ctx:          ctx,
		deviceSess:   make(map[string]*DeviceSession),
		scopeSess:    make(map[string]*ScopeSession),
		listWatchers: make(map[string]*subscriber),
	}
}

// Absorb consumes one Scanner scan result, creating sessions for
// newly-discovered drivers and reconnecting sessions whose id matches a
// currently disconnected one (spec §4.4/§4.5 "Reconnect").
func (m *Manager) Absorb(found []registry.LiveDriver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ld := range found {
		id := ld.Info.ID
		switch {
		case ld.Instrument != nil:
			if existing, ok := m.deviceSess[id]; ok {
				if existing.Status() == StatusDisconnected {
					existing.Reconnect(ld.Instrument)
					log.Printf("session manager: reconnected device %s", id)
				}
				continue
			}
			m.deviceSess[id] = NewDeviceSession(m.ctx, ld.Instrument)
			log.Printf("session manager: new device session %s", id)
		case ld.Scope != nil:
			if existing, ok := m.scopeSess[id]; ok {
				if existing.Status() == StatusDisconnected {
					existing.Reconnect(ld.Scope)
					log.Printf("session manager: reconnected scope %s", id)
				}
				continue
			}
			m.scopeSess[id] = NewScopeSession(m.ctx, ld.Scope)
			log.Printf("session manager: new scope session %s", id)
		}
	}
	m.broadcastDeviceListLocked()
}

// Run drains scanner results into Absorb until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, scanner *registry.Scanner) {
	for {
		select {
		case <-ctx.Done():
			return
		case found, ok := <-scanner.Results():
			if !ok {
				return
			}
			m.Absorb(found)
		}
	}
}

// DeviceSession returns the session for a PSU/load device id, if any.
func (m *Manager) DeviceSession(id string) (*DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.deviceSess[id]
	return s, ok
}

// ScopeSession returns the session for an oscilloscope id, if any.
func (m *Manager) ScopeSession(id string) (*ScopeSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopeSess[id]
	return s, ok
}

// ConnectedDeviceCount returns how many device/scope sessions currently
// report a connected status, for the router's heartbeat broadcast.
func (m *Manager) ConnectedDeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.deviceSess {
		if s.Status() == StatusConnected {
			n++
		}
	}
	for _, s := range m.scopeSess {
		if s.Status() == StatusConnected {
			n++
		}
	}
	return n
}

// DeviceList returns the current device-list snapshot fanned out to clients.
func (m *Manager) DeviceList() []DeviceListEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceListLocked()
}

func (m *Manager) deviceListLocked() []DeviceListEntry {
	out := make([]DeviceListEntry, 0, len(m.deviceSess)+len(m.scopeSess))
	for id, s := range m.deviceSess {
		out = append(out, DeviceListEntry{Info: driver.Info{ID: id, Kind: driver.KindPSU}, ConnectionStatus: s.Status()})
	}
	for id, s := range m.scopeSess {
		out = append(out, DeviceListEntry{Info: driver.Info{ID: id, Kind: driver.KindOscilloscope}, ConnectionStatus: s.Status()})
	}
	return out
}

// SubscribeDeviceList registers clientID for device-list change
// notifications and returns its event channel.
func (m *Manager) SubscribeDeviceList(clientID string) <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := newSubscriber(clientID)
	m.listWatchers[clientID] = sub
	sub.deliver(Event{Kind: EventSubscribed, FieldValue: m.deviceListLocked()})
	return sub.ch
}

// UnsubscribeDeviceList removes a device-list watcher.
func (m *Manager) UnsubscribeDeviceList(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listWatchers, clientID)
}

func (m *Manager) broadcastDeviceListLocked() {
	ev := Event{Kind: EventField, Field: "deviceList", FieldValue: m.deviceListLocked()}
	for _, sub := range m.listWatchers {
		sub.deliver(ev)
	}
}
