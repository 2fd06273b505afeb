// Package cla declares the convergence-layer adapter boundary this core
// depends on. A concrete convergence-layer transport (TCPCL, a LoRa radio
// driver, a Bluetooth link) lives outside this module; core and the
// Forwarding Engine only ever see these interfaces, wired up at startup the
// way dtn7-gold's Core.RegisterCLA does it.
package cla

import (
	"fmt"

	"github.com/dtn7/bpcore/bundle"
	"github.com/dtn7/bpcore/core"
)

// ConvergenceSender is an open, outbound transmission path to one peer.
type ConvergenceSender interface {
	Send(b bundle.Bundle) error
	Address() string
	Close() error
}

// ConvergenceReceiver is a listening endpoint that produces bundles it has
// received from peers, handing each to onReceive.
type ConvergenceReceiver interface {
	Start(onReceive func(bundle.Bundle)) error
	Close() error
}

// Manager tracks the live set of senders for each peer address and adapts
// them to core.Sender, so the Forwarding Engine can reach them without
// importing this package.
type Manager struct {
	senders map[string]ConvergenceSender
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{senders: make(map[string]ConvergenceSender)}
}

// Register adds a sender, replacing any prior sender registered under the
// same address.
func (m *Manager) Register(cs ConvergenceSender) {
	m.senders[cs.Address()] = cs
}

// Remove closes and forgets the sender registered under address, if any.
func (m *Manager) Remove(address string) {
	if cs, ok := m.senders[address]; ok {
		_ = cs.Close()
		delete(m.senders, address)
	}
}

// SenderFor adapts a registered ConvergenceSender to core.Sender.
func (m *Manager) SenderFor(address string) (core.Sender, error) {
	cs, ok := m.senders[address]
	if !ok {
		return nil, fmt.Errorf("no convergence sender registered for %s", address)
	}
	return senderAdapter{cs}, nil
}

// All returns every registered sender, adapted to core.Sender, in
// registration order is not guaranteed (map iteration).
func (m *Manager) All() []core.Sender {
	out := make([]core.Sender, 0, len(m.senders))
	for _, cs := range m.senders {
		out = append(out, senderAdapter{cs})
	}
	return out
}

type senderAdapter struct{ cs ConvergenceSender }

func (a senderAdapter) Send(b bundle.Bundle) error { return a.cs.Send(b) }
func (a senderAdapter) Address() string            { return a.cs.Address() }
func (a senderAdapter) Close() error                { return a.cs.Close() }
