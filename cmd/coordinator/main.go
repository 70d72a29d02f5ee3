package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tagvault/filestore/internal/config"
	"github.com/tagvault/filestore/internal/coordinator"
	"github.com/tagvault/filestore/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Runs a controller (C-node) of the tag-addressed distributed file store",
	Long: `coordinator owns the replicated metadata: the operation log, the
domain tables, and the gossip/anti-entropy/repair/garbage-collection
engines that keep every C-node's copy converged with the others.`,
	RunE: runCoordinator,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg := config.LoadCoordinator()
	node := coordinator.New(cfg)

	log := logging.WithComponent("cmd/coordinator")

	if err := node.Start(context.Background()); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := node.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop coordinator: %w", err)
	}

	fmt.Println("coordinator shutdown complete")
	return nil
}
