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
	"github.com/tagvault/filestore/internal/logging"
	"github.com/tagvault/filestore/internal/storagenode"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storagenode",
	Short: "Runs a chunk server (S-node) of the tag-addressed distributed file store",
	Long: `storagenode owns a shard of chunk data: the on-disk blob store and
its index, and the gossip/anti-entropy/repair-target/GC-deletion engines
that keep replicas converged with its peers and with the controller tier.`,
	RunE: runStorageNode,
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

func runStorageNode(cmd *cobra.Command, args []string) error {
	cfg := config.LoadStorage()
	node := storagenode.New(cfg)

	log := logging.WithComponent("cmd/storagenode")

	if err := node.Start(context.Background()); err != nil {
		return fmt.Errorf("start storage node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := node.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop storage node: %w", err)
	}

	fmt.Println("storage node shutdown complete")
	return nil
}
