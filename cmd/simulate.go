package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/GomesGoncalo/vigilant-parakeet/sim"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

var (
	topologyPath string
	logPath      string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a topology in-process over simulated channels",
	Long: `Loads a YAML topology of OBU and RSU nodes and runs them all inside this
process, joined by channels with the configured latency, jitter, and loss.
Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}

		handlers := []slog.Handler{
			tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: "15:04:05",
			}),
		}
		if logPath != "" {
			if err := os.MkdirAll(path.Dir(logPath), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
			if err != nil {
				return err
			}
			defer f.Close()
			handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		}
		log := slog.New(slogmulti.Fanout(handlers...))

		topo, err := sim.LoadTopology(topologyPath)
		if err != nil {
			return err
		}
		simulator, err := sim.New(topo, log)
		if err != nil {
			return err
		}
		defer simulator.Close()
		log.Info("simulation running, send SIGINT to stop",
			"nodes", len(topo.Nodes), "links", len(topo.Links))

		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		log.Info("shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVarP(&topologyPath, "topology", "t", "topology.yaml", "Topology file")
	simulateCmd.Flags().StringVar(&logPath, "log-file", "", "Also write logs to this file")
	simulateCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
