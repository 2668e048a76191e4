// Package cmd implements the clawcore command line front-end, a thin
// consumer of the engine's event bus.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/clawcore/cmd.Version=v1.0.0"
var Version = "dev"

var (
	homeDir string
	workDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawcore",
	Short: "clawcore — embeddable AI coding agent",
	Long:  "clawcore runs an AI coding assistant in your project directory: agent loop, tool execution, plan mode and subagents, driven over a local event bus.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	Run: func(cmd *cobra.Command, args []string) {
		runChat("")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "~/.clawcore", "engine home directory")
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawcore %s\n", Version)
		},
	}
}

func resolveWorkDir() string {
	if workDir != "" {
		return workDir
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
	return wd
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
