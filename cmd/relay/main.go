// relay is an LLM inference gateway: one OpenAI-compatible endpoint in
// front of many upstream model hosts, with response caching,
// conversation correlation, structured-output enforcement and model
// fallback.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "relay - LLM inference gateway",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
