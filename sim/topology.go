package sim

import (
	"fmt"
	"os"

	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/goccy/go-yaml"
)

// LinkCfg describes one simulated link. Symmetric links expand into both
// directed channels with the same parameters.
type LinkCfg struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Symmetric bool   `yaml:"symmetric"`

	state.ChannelParameters `yaml:",inline"`
}

// Topology is the simulator input: named nodes with their configuration
// and the links between them.
type Topology struct {
	Nodes map[string]state.NodeCfg `yaml:"nodes"`
	Links []LinkCfg                `yaml:"links"`
}

func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTopology(data)
}

func (t *Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes")
	}
	for name, cfg := range t.Nodes {
		if cfg.BindInterface == "" {
			cfg.BindInterface = name
		}
		if err := state.NodeConfigValidator(&cfg); err != nil {
			return fmt.Errorf("node %s: %w", name, err)
		}
		t.Nodes[name] = cfg
	}
	for i := range t.Links {
		l := &t.Links[i]
		if _, ok := t.Nodes[l.From]; !ok {
			return fmt.Errorf("link %d: unknown node %q", i, l.From)
		}
		if _, ok := t.Nodes[l.To]; !ok {
			return fmt.Errorf("link %d: unknown node %q", i, l.To)
		}
		if l.From == l.To {
			return fmt.Errorf("link %d: loops back to %q", i, l.From)
		}
		if err := state.ChannelConfigValidator(&l.ChannelParameters); err != nil {
			return fmt.Errorf("link %d (%s -> %s): %w", i, l.From, l.To, err)
		}
	}
	return nil
}
