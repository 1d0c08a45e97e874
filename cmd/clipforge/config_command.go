package main

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Service.Token != "" {
				shown.Service.Token = "***"
			}
			if shown.LLM.APIKey != "" {
				shown.LLM.APIKey = "***"
			}
			data, err := toml.Marshal(shown)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if p := cfg.Path(); p != "" {
				fmt.Fprintf(out, "# loaded from %s\n", p)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
}
