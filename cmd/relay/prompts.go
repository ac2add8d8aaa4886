package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/prompts"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "List the prompts found in the prompt directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry, err := prompts.Load(cfg.Prompts.Dir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range registry.Names() {
			def, _ := registry.Get(name)
			marker := ""
			if name == cfg.Pipeline.PromptName {
				marker = " (active)"
			}
			fmt.Fprintf(out, "%s%s\tfunctions=%d\n", name, marker, len(def.Functions))
		}
		return nil
	},
}
