package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	yall "yall.in"
	"yall.in/colour"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        = &Config{}
	)

	rootCmd := &cobra.Command{
		Use:           "grantsd",
		Short:         "Mirror Cosmos authz grants into a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			*cfg = *loaded
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to grantsd.yaml")

	rootCmd.AddCommand(newServeCmd(cfg))
	rootCmd.AddCommand(newMigrateCmd(cfg))
	rootCmd.AddCommand(newClearCmd(cfg))
	return rootCmd
}

func newLogger(level string) *yall.Logger {
	switch strings.ToLower(level) {
	case "debug":
		return yall.New(colour.New(os.Stdout, yall.Debug))
	case "warn", "warning":
		return yall.New(colour.New(os.Stdout, yall.Warn))
	case "error":
		return yall.New(colour.New(os.Stdout, yall.Error))
	}
	return yall.New(colour.New(os.Stdout, yall.Info))
}

// printfLogger adapts log to the printf-style logging healthcheck expects.
func printfLogger(log *yall.Logger) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
	}
}
