package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check or print the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				if opts.Format == "json" {
					_ = opts.print(cmd.OutOrStdout(), map[string]any{"valid": false, "error": err.Error()}, "")
				}
				return err
			}
			names := make([]string, len(cfg.Regions))
			for i, r := range cfg.Regions {
				names[i] = r.Name
			}
			return opts.print(cmd.OutOrStdout(),
				map[string]any{"valid": true, "regions": names, "entities": len(cfg.Entities), "collections": len(cfg.Collections)},
				fmt.Sprintf("ok: %d region(s) [%s], %d entity and %d collection mapping(s)",
					len(names), strings.Join(names, ", "), len(cfg.Entities), len(cfg.Collections)))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration with defaults and overrides applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Redis.Password = redact(cfg.Redis.Password)
			if opts.Format == "json" {
				return opts.print(cmd.OutOrStdout(), cfg, "")
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
