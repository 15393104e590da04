package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tclog/config"
)

const version = "0.1.0"

var configPath string

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.NewDefaultConfig(), nil
	}
	return config.Load(configPath)
}

func serveMetrics(addr string, log *zap.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("tclog", version)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "tclog",
		Short:        "Transaction coordinator log tools",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")

	rootCmd.AddCommand(
		newBenchCommand(),
		newDumpCommand(),
		newXidsCommand(),
		newPurgeCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
