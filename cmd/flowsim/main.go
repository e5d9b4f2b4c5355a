package main

import (
	"os"

	"github.com/ddr4869/flowsim/common/logger"
	"github.com/ddr4869/flowsim/config"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	logLevel    string
	development bool
	grpcAddress string

	// loaded by the root command before any subcommand runs
	cfg *config.Config
)

// rootCmd is the flowsim entry point
var rootCmd = &cobra.Command{
	Use:   "flowsim",
	Short: "Transaction flow simulator",
	Long: `flowsim animates how a transaction travels through a permissioned ledger
network (proposal, endorsement, ordering, distribution, commit) and records
every completed transaction in a hash-chained block ledger.`,
	PersistentPreRunE: initialize,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "Use the development logger")
	rootCmd.PersistentFlags().StringVar(&grpcAddress, "grpc-address", "", "gRPC address of a running flowsim server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(speedCmd)
}

// initialize loads the configuration and sets up the global logger
func initialize(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logger.LogLevel(logLevel)
	}
	if development {
		c.Log.Development = true
	}
	if grpcAddress != "" {
		c.Server.GRPCAddress = grpcAddress
	}
	if err := logger.Initialize(&c.Log); err != nil {
		return err
	}
	cfg = c
	return nil
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		logger.Errorf("Command execution failed: %v", err)
		os.Exit(1)
	}
}
