package state

import (
	"fmt"
	"net/netip"
	"strings"
)

type NodeType string

const (
	NodeObu NodeType = "Obu"
	NodeRsu NodeType = "Rsu"
)

func (t *NodeType) UnmarshalYAML(b []byte) error {
	switch strings.ToLower(strings.Trim(string(b), `"'`)) {
	case "obu":
		*t = NodeObu
	case "rsu":
		*t = NodeRsu
	default:
		return fmt.Errorf("unknown node type %q", string(b))
	}
	return nil
}

// NodeParameters are the protocol knobs shared by both node variants.
type NodeParameters struct {
	// HelloHistory bounds the per-origin heartbeat history.
	HelloHistory uint32 `yaml:"hello_history"`
	// HelloPeriodicity is the heartbeat emission period in milliseconds.
	// Required for RSUs, ignored for OBUs.
	HelloPeriodicity *uint32 `yaml:"hello_periodicity,omitempty"`
	// CachedCandidates is the failover candidate list length (OBU only).
	CachedCandidates uint32 `yaml:"cached_candidates"`
	EnableEncryption bool   `yaml:"enable_encryption"`
	// EncryptionKey is the process-wide pre-shared key, hex encoded.
	// Key distribution is outside this system; an empty value selects the
	// built-in development key.
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// NodeCfg is the per-node configuration loaded from YAML.
type NodeCfg struct {
	NodeType      NodeType    `yaml:"node_type"`
	BindInterface string      `yaml:"bind_interface"`
	TapName       string      `yaml:"tap_name,omitempty"`
	Ip            *netip.Addr `yaml:"ip,omitempty"`
	Mtu           uint32      `yaml:"mtu"`

	NodeParameters `yaml:",inline"`
}

// ChannelParameters model a single directed simulated link.
type ChannelParameters struct {
	// Latency is the base one-way delay.
	Latency Duration `yaml:"latency"`
	// Loss is the drop probability in [0, 1].
	Loss float64 `yaml:"loss"`
	// Jitter adds uniform random variation around the base latency; a
	// frame's delay lands in [latency-jitter, latency+jitter], floored at
	// zero.
	Jitter Duration `yaml:"jitter"`
}

// ApplyDefaults fills the zero-valued knobs with their documented defaults.
func (c *NodeCfg) ApplyDefaults() {
	if c.Mtu == 0 {
		c.Mtu = DefaultMtu
	}
	if c.HelloHistory == 0 {
		c.HelloHistory = DefaultHelloHistory
	}
	if c.CachedCandidates == 0 {
		c.CachedCandidates = DefaultCachedCandidates
	}
}
