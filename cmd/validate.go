package cmd

import (
	"fmt"
	"os"

	"github.com/GomesGoncalo/vigilant-parakeet/sim"
	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate node or topology configuration files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := false
		for _, path := range args {
			if err := validateFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed = true
				continue
			}
			fmt.Printf("%s: ok\n", path)
		}
		if failed {
			return fmt.Errorf("validation failed")
		}
		return nil
	},
}

// validateFile accepts either a topology file or a single node config.
func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, topoErr := sim.ParseTopology(data); topoErr == nil {
		return nil
	}
	var cfg state.NodeCfg
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	return state.NodeConfigValidator(&cfg)
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
