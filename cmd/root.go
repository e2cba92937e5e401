// Package cmd provides command-line interface commands for Argus.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

const (
	maxReplayLineSize = 1024 * 1024 // 1MB per JSON line
	defaultTimeout    = 5 * time.Minute
)

// NewRootCmd creates the argus command with all subcommands.
func NewRootCmd() *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:   "argus",
		Short: "Security event correlation and threat detection engine",
		Long: `Argus ingests security events, scores them against detection rules,
threat signatures and learned baselines, correlates related activity and
drives automated response.

Run "argus serve" to start the HTTP API, or use the offline commands to
replay recorded events and validate rule catalogs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newRulesCmd())

	return root
}

func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printField(w io.Writer, label string, value interface{}) {
	fmt.Fprintf(w, "  %-22s %v\n", infoColor.Sprint(label+":"), value)
}
