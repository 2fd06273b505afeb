package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/dtn7/bpcore/registration"
)

// Config is the daemon's bootstrap file, parsed with BurntSushi/toml per
// SPEC_FULL.md §1 ("the daemon's node/link/registration bootstrap file").
// Routing-policy and convergence-layer configuration languages remain out
// of scope (spec.md §1's Non-goals); this only gets the core far enough to
// exist: its node identity, where its store lives, who it listens for, and
// which applications it starts already bound to.
type Config struct {
	NodeID string `toml:"node_id"`

	StoreDir string `toml:"store_dir"`

	IPCListenAddress            string `toml:"ipc_listen_address"`
	ExternalRouterListenAddress string `toml:"external_router_listen_address"`

	MulticastDiscovery *MulticastDiscoveryConfig `toml:"multicast_discovery"`

	Links         []LinkConfig         `toml:"link"`
	Registrations []RegistrationConfig `toml:"registration"`
}

// LinkConfig seeds a static forwarding link at startup, e.g. a fixed
// always-reachable peer rather than one discovered through a convergence
// layer (which is out of scope here).
type LinkConfig struct {
	ID     string `toml:"id"`
	Remote string `toml:"remote"`
	CLATag string `toml:"cla_tag"`
}

// RegistrationConfig seeds a Registration Table entry at startup, the way
// an operator would pre-register a logging or ping sink without needing an
// IPC client to do it.
type RegistrationConfig struct {
	Pattern     string `toml:"pattern"`
	Kind        string `toml:"kind"` // "application", "logging", "ping", "ipn_echo"
	Failure     string `toml:"failure"` // "drop", "defer", "exec_script"
	Replay      string `toml:"replay"` // "new_only", "none", "all_queued"
	AckRequired bool   `toml:"ack_required"`
}

// MulticastDiscoveryConfig enables the external router's alternative
// multicast transport (spec.md §4.7).
type MulticastDiscoveryConfig struct {
	Address string `toml:"address"`
}

// LoadConfig parses a TOML bootstrap file at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		return Config{}, fmt.Errorf("config %s: node_id is required", path)
	}
	if cfg.StoreDir == "" {
		return Config{}, fmt.Errorf("config %s: store_dir is required", path)
	}
	if cfg.IPCListenAddress == "" {
		cfg.IPCListenAddress = "127.0.0.1:4556"
	}
	if cfg.ExternalRouterListenAddress == "" {
		cfg.ExternalRouterListenAddress = "127.0.0.1:4557"
	}
	return cfg, nil
}

func parseKind(s string) registration.Kind {
	switch s {
	case "logging":
		return registration.KindLogging
	case "ping":
		return registration.KindPing
	case "ipn_echo":
		return registration.KindIpnEcho
	default:
		return registration.KindApplication
	}
}

func parseFailure(s string) registration.FailureAction {
	switch s {
	case "defer":
		return registration.FailureDefer
	case "exec_script":
		return registration.FailureExecScript
	default:
		return registration.FailureDrop
	}
}

func parseReplay(s string) registration.ReplayAction {
	switch s {
	case "none":
		return registration.ReplayNone
	case "all_queued":
		return registration.ReplayAllQueued
	default:
		return registration.ReplayNewOnly
	}
}
