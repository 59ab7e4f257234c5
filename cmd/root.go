package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/contentintel/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "contentintel",
	Short: "Feedback governance for content intelligence metrics and rules",
	Long: `contentintel runs the feedback workflow service: users submit corrections
to metrics, definitions and attribution rules, reviewers approve or reject
them, and approved feedback becomes time-bounded rule overrides. Every
change is recorded in a tamper-evident audit trail.`,
	SilenceUsage: true,
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
}
