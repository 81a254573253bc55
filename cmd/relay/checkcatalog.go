package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modelrelay/relay/internal/catalog"
)

var checkCatalogCmd = &cobra.Command{
	Use:   "check-catalog [path]",
	Short: "Validate a model catalog file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "catalog.yaml"
		if v := os.Getenv("CATALOG_PATH"); v != "" {
			path = v
		}
		if len(args) == 1 {
			path = args[0]
		}

		cat, err := catalog.Load(path)
		if err != nil {
			return err
		}
		if err := cat.CheckProviders(knownProvider); err != nil {
			return err
		}

		fmt.Printf("catalog ok: %d models\n", len(cat.Models()))
		for _, e := range cat.Entries() {
			fmt.Printf("  %-28s providers=%s price_tier=%d speed_tier=%d structured=%v\n",
				e.Model, strings.Join(e.Providers, ","), e.PriceTier, e.SpeedTier, e.StructuredOutput)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCatalogCmd)
}

// knownProvider lists every adapter id this build can serve.
func knownProvider(id string) bool {
	switch id {
	case "openai", "azure-openai", "groq", "mistral", "fireworks",
		"cerebras", "xai", "anthropic", "gemini":
		return true
	}
	return false
}
