package state

import (
	"errors"
	"fmt"
)

// NodeConfigValidator checks a node configuration for the invariants the
// state machines rely on. Node constructors call it before any task
// spawns; topology and config-file validation call it as well.
func NodeConfigValidator(cfg *NodeCfg) error {
	cfg.ApplyDefaults()
	switch cfg.NodeType {
	case NodeObu, NodeRsu:
	default:
		return fmt.Errorf("node_type must be Obu or Rsu, got %q", cfg.NodeType)
	}
	if cfg.BindInterface == "" {
		return errors.New("bind_interface must be set")
	}
	if cfg.HelloHistory == 0 {
		return errors.New("hello_history must be at least 1")
	}
	if cfg.NodeType == NodeRsu {
		if cfg.HelloPeriodicity == nil || *cfg.HelloPeriodicity == 0 {
			return errors.New("hello_periodicity is required for Rsu nodes")
		}
	}
	if cfg.NodeType == NodeObu && cfg.CachedCandidates == 0 {
		return errors.New("cached_candidates must be at least 1")
	}
	if cfg.EncryptionKey != "" && len(cfg.EncryptionKey) != 64 {
		return errors.New("encryption_key must be 32 bytes, hex encoded")
	}
	return nil
}

// ChannelConfigValidator checks per-link simulator parameters.
func ChannelConfigValidator(p *ChannelParameters) error {
	if p.Loss < 0.0 || p.Loss > 1.0 {
		return fmt.Errorf("loss must be within [0, 1], got %v", p.Loss)
	}
	if p.Latency < 0 || p.Jitter < 0 {
		return errors.New("latency and jitter must not be negative")
	}
	return nil
}
